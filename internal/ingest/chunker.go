// Package ingest loads documents, splits them into overlapping chunks and
// writes their embeddings to the vector store.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"
)

// ChunkOptions controls window size and overlap, in characters (runes).
type ChunkOptions struct {
	ChunkChars  int // Maximum chunk length
	Overlap     int // Characters shared by consecutive unsnapped chunks
	MinLookback int // A period must sit past this offset to snap the window
}

// DefaultChunkOptions returns 2000/300/200.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{ChunkChars: 2000, Overlap: 300, MinLookback: 200}
}

// withDefaults fills a zero value with the defaults and clamps negatives.
func (o ChunkOptions) withDefaults() ChunkOptions {
	if o == (ChunkOptions{}) {
		return DefaultChunkOptions()
	}
	if o.ChunkChars <= 0 {
		o.ChunkChars = DefaultChunkOptions().ChunkChars
	}
	o.Overlap = max(o.Overlap, 0)
	o.MinLookback = max(o.MinLookback, 0)
	return o
}

// Normalize collapses whitespace runs to a single space and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Chunk splits text into overlapping windows of at most ChunkChars runes.
// A window that stops short of the end is pulled back to just after its last
// period when that period lies beyond MinLookback. The next window starts
// Overlap runes before the previous end, always at least one rune further.
// Chunking stops once a window reaches the end of the text.
func Chunk(text string, opts ChunkOptions) []string {
	opts = opts.withDefaults()

	runes := []rune(Normalize(text))
	n := len(runes)
	chunks := []string{}
	if n == 0 {
		return chunks
	}

	for start := 0; start < n; {
		end := min(n, start+opts.ChunkChars)
		if end < n {
			if last := lastIndexRune(runes[start:end], '.'); last > opts.MinLookback {
				end = start + last + 1
			}
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == n {
			break
		}
		start = max(end-opts.Overlap, start+1)
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// ChunkID builds a stable identifier: the file's base name, page (0 when the
// format has none), chunk index and a short content hash. The same file
// content always yields the same ids, so re-ingestion overwrites in place.
func ChunkID(path string, page *int, index int, text string) string {
	p := 0
	if page != nil {
		p = *page
	}
	h := sha256.New()
	for _, part := range []string{path, strconv.Itoa(p), strconv.Itoa(index), text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:8]
	return filepath.Base(path) + ":" + strconv.Itoa(p) + ":" + strconv.Itoa(index) + ":" + sum
}
