// Package vector defines the chunk store used for retrieval and its shared
// helpers. Backends live in subpackages.
package vector

import (
	"context"
	"errors"
	"math"
)

// ErrDimensionMismatch is returned when a vector does not match the
// dimension the store was created with.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Metadata describes where a chunk came from. Page is nil for page-less
// formats such as plain text.
type Metadata struct {
	Source string `json:"source"`
	Page   *int   `json:"page"`
}

// Record is a chunk with its embedding, as stored.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata Metadata
}

// Match is a stored chunk returned by a similarity query. Distance is cosine
// distance, 0 for identical direction.
type Match struct {
	ID       string
	Text     string
	Metadata Metadata
	Distance float64
}

// Repository stores chunk embeddings and answers nearest-neighbour queries.
type Repository interface {
	// Add inserts records, replacing any with the same ID.
	Add(ctx context.Context, records []Record) error
	// Query returns up to n matches ordered by ascending distance.
	Query(ctx context.Context, vec []float32, n int) ([]Match, error)
	// DeleteSource removes every chunk whose metadata source equals source.
	DeleteSource(ctx context.Context, source string) error
	// Reset removes all chunks.
	Reset(ctx context.Context) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1 from
// everything.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

// PageOf returns a pointer to p, for building Metadata literals.
func PageOf(p int) *int { return &p }
