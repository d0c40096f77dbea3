// Package retrieval ranks stored chunks against a question and turns the
// relevant ones into grounding context for the chat prompt.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/efebarandurmaz/groundchat/internal/observability"
	"github.com/efebarandurmaz/groundchat/internal/vector"
)

// Config controls how many matches are fetched and which are discarded.
type Config struct {
	// OverfetchFactor multiplies k when querying the store.
	OverfetchFactor int
	// OverfetchCap bounds the number of matches requested.
	OverfetchCap int
	// MinChunkChars drops matches whose trimmed text is shorter.
	MinChunkChars int
}

// DefaultConfig returns the standard retrieval settings.
func DefaultConfig() Config {
	return Config{OverfetchFactor: 20, OverfetchCap: 100, MinChunkChars: 200}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OverfetchFactor <= 0 {
		c.OverfetchFactor = d.OverfetchFactor
	}
	if c.OverfetchCap <= 0 {
		c.OverfetchCap = d.OverfetchCap
	}
	if c.MinChunkChars <= 0 {
		c.MinChunkChars = d.MinChunkChars
	}
	return c
}

// FetchSize is the number of matches requested for k results.
func (c Config) FetchSize(k int) int {
	c = c.withDefaults()
	return min(k*c.OverfetchFactor, c.OverfetchCap)
}

// Candidate is a ranked match. Score is 1 - distance; Length is the rune
// count of the trimmed text.
type Candidate struct {
	ID       string
	Text     string
	Metadata vector.Metadata
	Score    float64
	Length   int
}

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds questions and ranks the store's matches.
type Retriever struct {
	embedder QueryEmbedder
	store    vector.Repository
	cfg      Config
}

// NewRetriever creates a retriever. Zero config fields take their defaults.
func NewRetriever(embedder QueryEmbedder, store vector.Repository, cfg Config) *Retriever {
	return &Retriever{embedder: embedder, store: store, cfg: cfg.withDefaults()}
}

// Retrieve returns at most k candidates for query, best first. Fewer are
// returned when the store has fewer long-enough matches; the result is never
// padded.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (_ []Candidate, err error) {
	if k <= 0 {
		return []Candidate{}, nil
	}
	fetch := r.cfg.FetchSize(k)
	ctx, span := observability.StartRetrievalSpan(ctx, k, fetch)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}
	matches, err := r.store.Query(ctx, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("retrieval: querying store: %w", err)
	}

	candidates := Rank(matches, r.cfg.MinChunkChars, k)
	observability.RecordRetrievalResult(span, len(matches), len(candidates))
	observability.Metrics().RetrievalCandidates.Observe(float64(len(candidates)))
	return candidates, nil
}

// Rank filters out matches shorter than minChars, scores the rest, sorts
// them with ByScoreThenLength and keeps the first k.
func Rank(matches []vector.Match, minChars, k int) []Candidate {
	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		length := utf8.RuneCountInString(strings.TrimSpace(m.Text))
		if length < minChars {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:       m.ID,
			Text:     m.Text,
			Metadata: m.Metadata,
			Score:    1 - m.Distance,
			Length:   length,
		})
	}
	sort.Stable(ByScoreThenLength(candidates))
	if k >= 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// ByScoreThenLength orders candidates by score, then length, both descending.
type ByScoreThenLength []Candidate

func (s ByScoreThenLength) Len() int      { return len(s) }
func (s ByScoreThenLength) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s ByScoreThenLength) Less(i, j int) bool {
	if s[i].Score != s[j].Score {
		return s[i].Score > s[j].Score
	}
	return s[i].Length > s[j].Length
}
