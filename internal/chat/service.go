// Package chat runs one conversational turn: history lookup, optional
// retrieval and grounding, completion and memory write.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/memory"
	"github.com/efebarandurmaz/groundchat/internal/observability"
	"github.com/efebarandurmaz/groundchat/internal/retrieval"
)

// Retriever returns ranked candidates for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Candidate, error)
}

// Config tunes the chat turn.
type Config struct {
	Model         string
	DefaultK      int
	MaxK          int
	MinScore      float64
	Temperature   float64
	MaxTokens     int
	MaxSessionLen int
	// MemoryTimeout bounds the history write that follows a completion. The
	// write is detached from the request context.
	MemoryTimeout time.Duration
}

// DefaultConfig returns the standard chat settings.
func DefaultConfig() Config {
	return Config{
		DefaultK:      6,
		MaxK:          20,
		MinScore:      retrieval.DefaultMinScore,
		Temperature:   0.2,
		MaxSessionLen: 128,
		MemoryTimeout: 5 * time.Second,
	}
}

// Request is one user message.
type Request struct {
	Owner     string
	SessionID string
	Message   string
	UseRAG    bool
	// K is the number of excerpts to ground on; nil means Config.DefaultK.
	K *int
}

// Reply is the answer to a Request.
type Reply struct {
	Answer    string               `json:"answer"`
	SessionID string               `json:"session_id"`
	TokensIn  *int                 `json:"tokens_in"`
	TokensOut *int                 `json:"tokens_out"`
	Sources   []retrieval.Citation `json:"sources"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// Service answers chat requests.
type Service struct {
	provider  llm.Provider
	retriever Retriever
	assembler *retrieval.Assembler
	memory    memory.Store
	events    *observability.EventLogger
	cfg       Config
}

// NewService wires a chat service. retriever may be nil, in which case RAG
// requests are answered ungrounded with a warning. events may be nil.
func NewService(provider llm.Provider, retriever Retriever, assembler *retrieval.Assembler, mem memory.Store, events *observability.EventLogger, cfg Config) *Service {
	d := DefaultConfig()
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = d.DefaultK
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = d.MaxK
	}
	if cfg.MaxSessionLen <= 0 {
		cfg.MaxSessionLen = d.MaxSessionLen
	}
	if cfg.MemoryTimeout <= 0 {
		cfg.MemoryTimeout = d.MemoryTimeout
	}
	if assembler == nil {
		assembler = retrieval.NewAssembler("")
	}
	return &Service{
		provider:  provider,
		retriever: retriever,
		assembler: assembler,
		memory:    mem,
		events:    events,
		cfg:       cfg,
	}
}

// Chat answers one message. Retrieval and memory failures degrade the reply
// with warnings; completion failures are returned as a *StageError.
func (s *Service) Chat(ctx context.Context, req Request) (reply *Reply, err error) {
	start := time.Now()
	grounded := false

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	message := strings.TrimSpace(req.Message)
	k := s.cfg.DefaultK
	if req.K != nil {
		k = *req.K
	}

	ctx, span := observability.StartChatSpan(ctx, sessionID, req.UseRAG, k)
	defer func() {
		observability.RecordError(span, err)
		span.End()
		observability.Metrics().RecordChat(time.Since(start), grounded, err)
		if err != nil {
			s.events.LogChatError(req.Owner, sessionID, stageOf(err), err)
		}
	}()

	if err := s.validate(req.Owner, sessionID); err != nil {
		return nil, err
	}
	if message == "" {
		return nil, invalid(sessionID, "empty message")
	}
	if k < 1 || k > s.cfg.MaxK {
		return nil, invalid(sessionID, "k must be between 1 and %d", s.cfg.MaxK)
	}

	reply = &Reply{SessionID: sessionID}
	log := slog.With("session_id", sessionID)

	history, err := s.memory.Get(ctx, req.Owner, sessionID)
	if err != nil {
		log.Warn("history unavailable", "error", err)
		observability.Metrics().MemoryErrorsTotal.Inc()
		reply.Warnings = append(reply.Warnings, WarnMemoryUnavailable)
		history = nil
	}

	g := s.assembler.Ungrounded()
	if req.UseRAG {
		g = s.ground(ctx, log, message, k, reply)
	}
	grounded = g.Grounded
	observability.RecordGrounding(span, g.Grounded, len(g.Citations))
	reply.Sources = g.Citations

	prompt := &llm.Prompt{
		SystemPrompt: g.System(),
		Messages:     append(memory.ToMessages(history), llm.Message{Role: llm.RoleUser, Content: message}),
	}
	s.events.LogChatRequest(req.Owner, sessionID, message, len(history), req.UseRAG, k, len(g.Citations))

	resp, err := s.complete(ctx, prompt)
	if err != nil {
		return nil, &StageError{Stage: StageCompletion, SessionID: sessionID, Err: err}
	}
	reply.Answer = llm.CleanAnswer(resp.Content)
	reply.TokensIn, reply.TokensOut = resp.InputTokens, resp.OutputTokens

	// The exchange is finished; persist it even if the caller went away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MemoryTimeout)
	defer cancel()
	if err := s.memory.AppendExchange(wctx, req.Owner, sessionID, message, reply.Answer); err != nil {
		log.Warn("exchange not persisted", "error", err)
		observability.Metrics().MemoryErrorsTotal.Inc()
		reply.Warnings = append(reply.Warnings, WarnMemoryNotPersisted)
	}

	s.events.LogChatResponse(req.Owner, sessionID, reply.Answer, reply.TokensIn, reply.TokensOut, req.UseRAG, len(g.Citations))
	return reply, nil
}

// ground retrieves and assembles context, failing closed to an ungrounded
// prompt.
func (s *Service) ground(ctx context.Context, log *slog.Logger, message string, k int, reply *Reply) retrieval.Grounding {
	if s.retriever == nil {
		reply.Warnings = append(reply.Warnings, WarnRetrievalUnavailable)
		return s.assembler.Ungrounded()
	}
	candidates, err := s.retriever.Retrieve(ctx, message, k)
	if err != nil {
		log.Warn("retrieval unavailable, answering ungrounded", "error", err)
		observability.Metrics().RetrievalFailuresTotal.Inc()
		reply.Warnings = append(reply.Warnings, WarnRetrievalUnavailable)
		return s.assembler.Ungrounded()
	}
	return s.assembler.Assemble(candidates, s.cfg.MinScore, k)
}

func (s *Service) complete(ctx context.Context, prompt *llm.Prompt) (*llm.Response, error) {
	ctx, span := observability.StartLLMSpan(ctx, s.provider.Name(), s.cfg.Model)
	defer span.End()

	opts := &llm.RequestOptions{Temperature: &s.cfg.Temperature}
	if s.cfg.MaxTokens > 0 {
		opts.MaxTokens = &s.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := s.provider.Complete(ctx, prompt, opts)
	dur := time.Since(start)
	if err != nil {
		observability.RecordError(span, err)
		observability.Metrics().RecordLLMRequest(dur, 0, err)
		return nil, err
	}
	observability.RecordLLMMetrics(span, resp.InputTokens, resp.OutputTokens, dur)
	observability.Metrics().RecordLLMRequest(dur, resp.TotalTokens(), nil)
	return resp, nil
}

// Reset clears a session's history.
func (s *Service) Reset(ctx context.Context, owner, sessionID string) error {
	if err := s.validate(owner, sessionID); err != nil {
		return err
	}
	if err := s.memory.Reset(ctx, owner, sessionID); err != nil {
		observability.Metrics().MemoryErrorsTotal.Inc()
		return &StageError{Stage: StageMemory, SessionID: sessionID, Err: err}
	}
	s.events.LogSessionReset(owner, sessionID)
	return nil
}

// History returns a session's stored turns, oldest first.
func (s *Service) History(ctx context.Context, owner, sessionID string) ([]memory.Turn, error) {
	if err := s.validate(owner, sessionID); err != nil {
		return nil, err
	}
	turns, err := s.memory.Get(ctx, owner, sessionID)
	if err != nil {
		observability.Metrics().MemoryErrorsTotal.Inc()
		return nil, &StageError{Stage: StageMemory, SessionID: sessionID, Err: err}
	}
	return turns, nil
}

// SystemPrompt is the prompt used for ungrounded turns.
func (s *Service) SystemPrompt() string { return s.assembler.DefaultPrompt() }

func (s *Service) validate(owner, sessionID string) error {
	if owner == "" {
		return invalid(sessionID, "owner is required")
	}
	if strings.ContainsRune(owner, ':') {
		return invalid(sessionID, "owner contains ':'")
	}
	if sessionID == "" {
		return invalid("", "session_id is required")
	}
	if len(sessionID) > s.cfg.MaxSessionLen {
		return invalid("", "session_id longer than %d characters", s.cfg.MaxSessionLen)
	}
	for _, r := range sessionID {
		if !validSessionRune(r) {
			return invalid("", "session_id contains %q", r)
		}
	}
	return nil
}

func validSessionRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == ':':
		return true
	}
	return false
}

func stageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}
