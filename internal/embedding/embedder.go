// Package embedding turns texts into vectors through an llm.Provider, batching
// and retrying under a per-use-case policy.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/observability"
)

// DefaultBatchSize is the maximum number of texts sent in one provider call.
const DefaultBatchSize = 64

// ErrCountMismatch is returned when a provider answers a batch with a
// different number of vectors than it was given.
var ErrCountMismatch = errors.New("embedding count mismatch")

// Embedder embeds texts in contiguous batches, preserving input order.
type Embedder struct {
	provider  llm.Provider
	batchSize int
	policy    llm.RetryPolicy
}

// New creates an embedder with an explicit batch size and retry policy.
func New(provider llm.Provider, batchSize int, policy llm.RetryPolicy) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{provider: provider, batchSize: batchSize, policy: policy}
}

// NewIngestEmbedder uses the lenient ingestion retry budget.
func NewIngestEmbedder(provider llm.Provider, batchSize int) *Embedder {
	return New(provider, batchSize, llm.IngestRetryPolicy())
}

// NewQueryEmbedder uses the low-latency query retry budget.
func NewQueryEmbedder(provider llm.Provider) *Embedder {
	return New(provider, 1, llm.QueryRetryPolicy())
}

// BatchSize returns the configured batch size.
func (e *Embedder) BatchSize() int { return e.batchSize }

// Embed returns exactly len(texts) vectors, vectors[i] belonging to texts[i].
// Batches are sent sequentially; the first batch that exhausts its retries
// aborts the whole call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, e.provider.Name(), len(batch))
	defer span.End()

	attempt := 0
	vecs, err := llm.Retry(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
		attempt++
		if attempt > 1 {
			slog.Debug("retrying embedding batch", "attempt", attempt, "size", len(batch))
		}
		vecs, err := e.provider.Embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, llm.Permanent(fmt.Errorf("%w: got %d vectors for %d texts", ErrCountMismatch, len(vecs), len(batch)))
		}
		return vecs, nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return vecs, nil
}
