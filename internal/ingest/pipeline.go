package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/efebarandurmaz/groundchat/internal/observability"
	"github.com/efebarandurmaz/groundchat/internal/vector"
)

// Embedder turns texts into vectors in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// FileResult summarizes one ingested file.
type FileResult struct {
	Path   string
	Pages  int
	Chunks int
}

// Pipeline loads, chunks, embeds and stores documents.
type Pipeline struct {
	embedder    Embedder
	store       vector.Repository
	chunk       ChunkOptions
	parallelism int
}

// NewPipeline creates a pipeline that ingests up to parallelism files at once.
func NewPipeline(embedder Embedder, store vector.Repository, chunk ChunkOptions, parallelism int) *Pipeline {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Pipeline{embedder: embedder, store: store, chunk: chunk, parallelism: parallelism}
}

// Records chunks every page of doc and assigns stable ids. Vectors are left
// empty.
func (p *Pipeline) Records(doc Document) []vector.Record {
	var records []vector.Record
	for _, page := range doc.Pages {
		for i, text := range Chunk(page.Text, p.chunk) {
			records = append(records, vector.Record{
				ID:       ChunkID(doc.Path, page.Number, i, text),
				Text:     text,
				Metadata: vector.Metadata{Source: doc.Path, Page: page.Number},
			})
		}
	}
	return records
}

// IngestFile replaces every stored chunk of path with freshly embedded ones.
// Nothing is deleted if loading or embedding fails.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (res FileResult, err error) {
	path = filepath.Clean(path)
	ctx, span := observability.StartIngestSpan(ctx, path)
	defer func() {
		observability.RecordError(span, err)
		observability.Metrics().RecordIngest(res.Chunks, err)
		span.End()
	}()

	doc, err := LoadFile(path)
	if err != nil {
		return FileResult{Path: path}, err
	}
	records := p.Records(doc)

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return FileResult{Path: path}, fmt.Errorf("embedding %s: %w", path, err)
	}
	for i := range records {
		records[i].Vector = vecs[i]
	}

	if err := p.store.DeleteSource(ctx, path); err != nil {
		return FileResult{Path: path}, fmt.Errorf("clearing %s: %w", path, err)
	}
	if err := p.store.Add(ctx, records); err != nil {
		return FileResult{Path: path}, fmt.Errorf("storing %s: %w", path, err)
	}

	res = FileResult{Path: path, Pages: len(doc.Pages), Chunks: len(records)}
	observability.RecordIngestResult(span, res.Pages, res.Chunks)
	slog.Info("ingested file", "path", path, "pages", res.Pages, "chunks", res.Chunks)
	return res, nil
}

// IngestAll ingests paths concurrently. Results keep the order of paths; the
// first failure cancels the remaining files.
func (p *Pipeline) IngestAll(ctx context.Context, paths []string) ([]FileResult, error) {
	results := make([]FileResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	for i, path := range paths {
		g.Go(func() error {
			res, err := p.IngestFile(ctx, path)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// IngestDir discovers and ingests every supported file under dir.
func (p *Pipeline) IngestDir(ctx context.Context, dir string) ([]FileResult, error) {
	paths, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	return p.IngestAll(ctx, paths)
}

// RemoveFile deletes every stored chunk of path.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if err := p.store.DeleteSource(ctx, path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	slog.Info("removed file from index", "path", path)
	return nil
}
