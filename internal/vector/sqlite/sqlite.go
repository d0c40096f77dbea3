// Package sqlite implements vector.Repository on an embedded SQLite file.
// Similarity is exact: every stored embedding is scored against the query.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/efebarandurmaz/groundchat/internal/vector"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id        TEXT PRIMARY KEY,
	content   TEXT NOT NULL,
	source    TEXT NOT NULL,
	page      INTEGER,
	embedding BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS chunks_source ON chunks(source);
`

// Repository implements vector.Repository using modernc.org/sqlite.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory store.
func Open(ctx context.Context, path string) (*Repository, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: creating directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// EncodeEmbedding packs vec as little-endian IEEE 754 float32 values.
func EncodeEmbedding(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeEmbedding reverses EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("sqlite: invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

func (r *Repository) Add(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks(id, content, source, page, embedding) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			page = excluded.page,
			embedding = excluded.embedding`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		var page sql.NullInt64
		if rec.Metadata.Page != nil {
			page = sql.NullInt64{Int64: int64(*rec.Metadata.Page), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Text, rec.Metadata.Source, page, EncodeEmbedding(rec.Vector)); err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Query scores all rows; rows whose dimension differs from vec are skipped.
func (r *Repository) Query(ctx context.Context, vec []float32, n int) ([]vector.Match, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, content, source, page, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var (
			m    vector.Match
			page sql.NullInt64
			blob []byte
		)
		if err := rows.Scan(&m.ID, &m.Text, &m.Metadata.Source, &page, &blob); err != nil {
			return nil, err
		}
		stored, err := DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", m.ID, err)
		}
		d, err := vector.CosineDistance(vec, stored)
		if err != nil {
			continue
		}
		if page.Valid {
			m.Metadata.Page = vector.PageOf(int(page.Int64))
		}
		m.Distance = d
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func (r *Repository) DeleteSource(ctx context.Context, source string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", source, err)
	}
	return nil
}

func (r *Repository) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("sqlite: reset: %w", err)
	}
	return nil
}

// Count returns the number of stored chunks.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

var _ vector.Repository = (*Repository)(nil)
