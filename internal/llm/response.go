package llm

import "strings"

// Response wraps an LLM completion result.
// Token counts are nil when the provider did not report usage.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	InputTokens  *int   `json:"input_tokens,omitempty"`
	OutputTokens *int   `json:"output_tokens,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// TotalTokens sums the reported token counts, treating missing counts as zero.
func (r *Response) TotalTokens() int {
	total := 0
	if r.InputTokens != nil {
		total += *r.InputTokens
	}
	if r.OutputTokens != nil {
		total += *r.OutputTokens
	}
	return total
}

// CleanAnswer removes <think>...</think> blocks that reasoning models put in
// front of the answer, then trims surrounding whitespace.
func CleanAnswer(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s, "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
