package retrieval

import (
	"strings"
)

const (
	// DefaultSystemPrompt is used when no document context is attached.
	DefaultSystemPrompt = "You are a helpful, concise assistant. If unsure, say you don't know."

	// GroundedSystemPrompt replaces the default when excerpts are attached.
	GroundedSystemPrompt = "You are a helpful, conversational assistant. " +
		"You have access to relevant excerpts from uploaded documents. " +
		"Treat those excerpts as information you already know and use them naturally when they help answer the user's question. " +
		"Speak like a normal assistant, not like you are reading files. " +
		"If the excerpts do not contain the answer, you can use general knowledge. " +
		"Only say you are unsure if you truly have no reliable information."

	contextInstructions = "\n\nYou have access to the following relevant document excerpts. " +
		"Use them to improve accuracy, especially for concrete facts (amounts, dates, IDs, terms). " +
		"Answer in a natural, conversational way. " +
		"If the excerpts do not contain the answer, you may rely on your general knowledge, " +
		"but do not invent specific personal details.\n"

	contextHeader    = "DOCUMENT CONTEXT:\n"
	contextSeparator = "\n---\n"

	// SnippetRunes caps citation snippets.
	SnippetRunes = 300

	// DefaultMinScore is the relevance threshold for grounding.
	DefaultMinScore = 0.30
)

// Citation points the user at a chunk used for grounding.
type Citation struct {
	Source  string  `json:"source"`
	Page    *int    `json:"page"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Grounding is the outcome of assembling candidates into prompt context.
type Grounding struct {
	ContextBlock string
	Citations    []Citation
	SystemPrompt string
	Grounded     bool
}

// System returns the full system message: prompt followed by context.
func (g Grounding) System() string {
	return g.SystemPrompt + g.ContextBlock
}

// Assembler builds grounding context from ranked candidates.
type Assembler struct {
	defaultPrompt string
}

// NewAssembler creates an assembler. An empty defaultPrompt means
// DefaultSystemPrompt.
func NewAssembler(defaultPrompt string) *Assembler {
	if defaultPrompt == "" {
		defaultPrompt = DefaultSystemPrompt
	}
	return &Assembler{defaultPrompt: defaultPrompt}
}

// DefaultPrompt is the system prompt used for ungrounded turns.
func (a *Assembler) DefaultPrompt() string { return a.defaultPrompt }

// Ungrounded is the result used when retrieval is off or unavailable.
func (a *Assembler) Ungrounded() Grounding {
	return Grounding{Citations: []Citation{}, SystemPrompt: a.defaultPrompt}
}

// Assemble keeps candidates scoring at least minScore, in their given order,
// and uses up to k of them as context.
func (a *Assembler) Assemble(candidates []Candidate, minScore float64, k int) Grounding {
	var good []Candidate
	for _, c := range candidates {
		if c.Score >= minScore {
			good = append(good, c)
		}
	}
	if len(good) == 0 || k <= 0 {
		return a.Ungrounded()
	}
	if len(good) > k {
		good = good[:k]
	}

	texts := make([]string, len(good))
	citations := make([]Citation, len(good))
	for i, c := range good {
		texts[i] = c.Text
		citations[i] = Citation{
			Source:  c.Metadata.Source,
			Page:    c.Metadata.Page,
			Score:   c.Score,
			Snippet: Snippet(c.Text, SnippetRunes),
		}
	}

	var b strings.Builder
	b.WriteString(contextInstructions)
	b.WriteString(contextHeader)
	b.WriteString(strings.Join(texts, contextSeparator))
	b.WriteString("\n")

	return Grounding{
		ContextBlock: b.String(),
		Citations:    citations,
		SystemPrompt: GroundedSystemPrompt,
		Grounded:     true,
	}
}

// Snippet returns the first n runes of s.
func Snippet(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
