package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/memory"
	"github.com/efebarandurmaz/groundchat/internal/retrieval"
	"github.com/efebarandurmaz/groundchat/internal/vector"
)

type fakeProvider struct {
	answer  string
	err     error
	prompts []*llm.Prompt
	opts    []*llm.RequestOptions
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}
func (f *fakeProvider) Complete(_ context.Context, p *llm.Prompt, o *llm.RequestOptions) (*llm.Response, error) {
	f.prompts = append(f.prompts, p)
	f.opts = append(f.opts, o)
	if f.err != nil {
		return nil, f.err
	}
	in, out := 10, 5
	return &llm.Response{Content: f.answer, InputTokens: &in, OutputTokens: &out}, nil
}

type fakeRetriever struct {
	candidates []retrieval.Candidate
	err        error
	gotK       int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, k int) ([]retrieval.Candidate, error) {
	f.gotK = k
	return f.candidates, f.err
}

// brokenStore fails every operation.
type brokenStore struct{ memory.Store }

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string, string) ([]memory.Turn, error) {
	return nil, errStoreDown
}
func (brokenStore) AppendExchange(context.Context, string, string, string, string) error {
	return errStoreDown
}
func (brokenStore) Reset(context.Context, string, string) error { return errStoreDown }

// cancelingProvider cancels the request context before answering.
type cancelingProvider struct {
	fakeProvider
	cancel context.CancelFunc
}

func (c *cancelingProvider) Complete(ctx context.Context, p *llm.Prompt, o *llm.RequestOptions) (*llm.Response, error) {
	c.cancel()
	return c.fakeProvider.Complete(ctx, p, o)
}

func newService(p llm.Provider, r Retriever, m memory.Store) *Service {
	return NewService(p, r, nil, m, nil, DefaultConfig())
}

func relevant(text string, score float64) retrieval.Candidate {
	return retrieval.Candidate{
		ID:       "c",
		Text:     text,
		Metadata: vector.Metadata{Source: "handbook.pdf", Page: vector.PageOf(2)},
		Score:    score,
		Length:   len(text),
	}
}

func TestChat_UngroundedStoresExchange(t *testing.T) {
	p := &fakeProvider{answer: "<think>hmm</think> Hello there. "}
	mem := memory.NewInMemoryStore(8)
	s := newService(p, nil, mem)
	ctx := context.Background()

	reply, err := s.Chat(ctx, Request{Owner: "alice", SessionID: "s1", Message: "  hi  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Answer != "Hello there." {
		t.Errorf("unexpected answer %q", reply.Answer)
	}
	if *reply.TokensIn != 10 || *reply.TokensOut != 5 {
		t.Errorf("unexpected tokens %d/%d", *reply.TokensIn, *reply.TokensOut)
	}
	if reply.Sources == nil || len(reply.Sources) != 0 || len(reply.Warnings) != 0 {
		t.Errorf("unexpected sources/warnings %+v", reply)
	}

	prompt := p.prompts[0]
	if prompt.SystemPrompt != retrieval.DefaultSystemPrompt {
		t.Errorf("expected default system prompt, got %q", prompt.SystemPrompt)
	}
	if len(prompt.Messages) != 1 || prompt.Messages[0].Content != "hi" {
		t.Errorf("unexpected messages %+v", prompt.Messages)
	}
	if *p.opts[0].Temperature != 0.2 {
		t.Errorf("unexpected temperature %v", *p.opts[0].Temperature)
	}

	history, _ := mem.Get(ctx, "alice", "s1")
	want := []memory.Turn{{Role: llm.RoleUser, Content: "hi"}, {Role: llm.RoleAssistant, Content: "Hello there."}}
	if !slices.Equal(history, want) {
		t.Fatalf("unexpected history %v", history)
	}

	// The second turn sees the first.
	s.Chat(ctx, Request{Owner: "alice", SessionID: "s1", Message: "again"})
	if n := len(p.prompts[1].Messages); n != 3 {
		t.Fatalf("expected history + new message, got %d messages", n)
	}
}

func TestChat_GeneratesSessionID(t *testing.T) {
	s := newService(&fakeProvider{answer: "ok"}, nil, memory.NewInMemoryStore(8))
	reply, err := s.Chat(context.Background(), Request{Owner: "alice", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.SessionID) != 36 {
		t.Fatalf("expected a uuid session id, got %q", reply.SessionID)
	}
}

func TestChat_Grounded(t *testing.T) {
	p := &fakeProvider{answer: "The fee is 40 EUR."}
	r := &fakeRetriever{candidates: []retrieval.Candidate{
		relevant("The late fee is 40 EUR per month.", 0.82),
		relevant("Unrelated text.", 0.12),
	}}
	s := newService(p, r, memory.NewInMemoryStore(8))
	k := 3

	reply, err := s.Chat(context.Background(), Request{Owner: "alice", SessionID: "s1", Message: "late fee?", UseRAG: true, K: &k})
	if err != nil {
		t.Fatal(err)
	}
	if r.gotK != 3 {
		t.Errorf("expected k=3 passed to retriever, got %d", r.gotK)
	}
	if len(reply.Sources) != 1 || reply.Sources[0].Source != "handbook.pdf" || *reply.Sources[0].Page != 2 {
		t.Fatalf("unexpected sources %+v", reply.Sources)
	}
	sys := p.prompts[0].SystemPrompt
	if !strings.HasPrefix(sys, retrieval.GroundedSystemPrompt) || !strings.Contains(sys, "DOCUMENT CONTEXT:\nThe late fee is 40 EUR per month.\n") {
		t.Errorf("unexpected system prompt %q", sys)
	}
}

func TestChat_NoRelevantDocuments(t *testing.T) {
	p := &fakeProvider{answer: "ok"}
	r := &fakeRetriever{candidates: []retrieval.Candidate{relevant("weak", 0.29)}}
	s := newService(p, r, memory.NewInMemoryStore(8))

	reply, err := s.Chat(context.Background(), Request{Owner: "a", SessionID: "s", Message: "q", UseRAG: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Sources) != 0 || p.prompts[0].SystemPrompt != retrieval.DefaultSystemPrompt {
		t.Fatalf("expected ungrounded turn, got sources %v prompt %q", reply.Sources, p.prompts[0].SystemPrompt)
	}
	if r.gotK != 6 {
		t.Errorf("expected default k of 6, got %d", r.gotK)
	}
}

func TestChat_RetrievalFailsClosed(t *testing.T) {
	p := &fakeProvider{answer: "ok"}
	s := newService(p, &fakeRetriever{err: errors.New("qdrant down")}, memory.NewInMemoryStore(8))

	reply, err := s.Chat(context.Background(), Request{Owner: "a", SessionID: "s", Message: "q", UseRAG: true})
	if err != nil {
		t.Fatalf("retrieval failure must not fail the turn: %v", err)
	}
	if !slices.Contains(reply.Warnings, WarnRetrievalUnavailable) {
		t.Errorf("expected retrieval warning, got %v", reply.Warnings)
	}
	if p.prompts[0].SystemPrompt != retrieval.DefaultSystemPrompt {
		t.Error("expected ungrounded prompt")
	}
}

func TestChat_MemoryFailureStillAnswers(t *testing.T) {
	s := newService(&fakeProvider{answer: "ok"}, nil, brokenStore{})

	reply, err := s.Chat(context.Background(), Request{Owner: "a", SessionID: "s", Message: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Answer != "ok" {
		t.Errorf("unexpected answer %q", reply.Answer)
	}
	want := []string{WarnMemoryUnavailable, WarnMemoryNotPersisted}
	if !slices.Equal(reply.Warnings, want) {
		t.Errorf("expected %v, got %v", want, reply.Warnings)
	}
}

func TestChat_CompletionFailureWritesNothing(t *testing.T) {
	p := &fakeProvider{err: llm.ErrProviderUnavailable}
	mem := memory.NewInMemoryStore(8)
	s := newService(p, nil, mem)

	_, err := s.Chat(context.Background(), Request{Owner: "a", SessionID: "s1", Message: "q"})
	if !errors.Is(err, llm.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageCompletion || se.SessionID != "s1" {
		t.Fatalf("expected completion stage error, got %#v", err)
	}
	history, _ := mem.Get(context.Background(), "a", "s1")
	if len(history) != 0 {
		t.Fatalf("a failed turn must not be persisted, got %v", history)
	}
}

func TestChat_PersistsAfterClientCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancelingProvider{fakeProvider: fakeProvider{answer: "done"}, cancel: cancel}
	mem := memory.NewInMemoryStore(8)

	ctxStore := &ctxCheckingStore{Store: mem}
	s := newService(p, nil, ctxStore)
	if _, err := s.Chat(ctx, Request{Owner: "a", SessionID: "s", Message: "q"}); err != nil {
		t.Fatal(err)
	}
	if ctxStore.appendErr != nil {
		t.Fatalf("append saw a canceled context: %v", ctxStore.appendErr)
	}
	history, _ := mem.Get(context.Background(), "a", "s")
	if len(history) != 2 {
		t.Fatalf("expected the finished exchange to be stored, got %v", history)
	}
}

type ctxCheckingStore struct {
	memory.Store
	appendErr error
}

func (c *ctxCheckingStore) AppendExchange(ctx context.Context, owner, sessionID, user, assistant string) error {
	c.appendErr = ctx.Err()
	return c.Store.AppendExchange(ctx, owner, sessionID, user, assistant)
}

func TestChat_InvalidInput(t *testing.T) {
	zero, big := 0, 21
	tests := []struct {
		name string
		req  Request
	}{
		{"empty message", Request{Owner: "a", SessionID: "s", Message: "   "}},
		{"missing owner", Request{SessionID: "s", Message: "q"}},
		{"colon in owner", Request{Owner: "alice:session:x", SessionID: "y", Message: "q"}},
		{"bad session id", Request{Owner: "a", SessionID: "../etc", Message: "q"}},
		{"long session id", Request{Owner: "a", SessionID: strings.Repeat("s", 129), Message: "q"}},
		{"zero k", Request{Owner: "a", SessionID: "s", Message: "q", K: &zero}},
		{"k too large", Request{Owner: "a", SessionID: "s", Message: "q", K: &big}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{answer: "ok"}
			_, err := newService(p, nil, memory.NewInMemoryStore(8)).Chat(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if len(p.prompts) != 0 {
				t.Fatal("provider must not be called for invalid input")
			}
		})
	}
}

func TestResetAndHistory(t *testing.T) {
	mem := memory.NewInMemoryStore(8)
	s := newService(&fakeProvider{answer: "ok"}, nil, mem)
	ctx := context.Background()
	s.Chat(ctx, Request{Owner: "a", SessionID: "s", Message: "q"})

	turns, err := s.History(ctx, "a", "s")
	if err != nil || len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %v, %v", turns, err)
	}
	if err := s.Reset(ctx, "a", "s"); err != nil {
		t.Fatal(err)
	}
	turns, _ = s.History(ctx, "a", "s")
	if len(turns) != 0 {
		t.Fatalf("expected empty history after reset, got %v", turns)
	}

	if err := s.Reset(ctx, "a", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}

	broken := newService(&fakeProvider{}, nil, brokenStore{})
	if _, err := broken.History(ctx, "a", "s"); !errors.Is(err, errStoreDown) {
		t.Errorf("expected store error, got %v", err)
	}
	err = broken.Reset(ctx, "a", "s")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageMemory {
		t.Errorf("expected memory stage error, got %v", err)
	}
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageCompletion, SessionID: "s1", Err: errors.New("boom")}
	if err.Error() != "chat completion (session s1): boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
	err.SessionID = ""
	if err.Error() != "chat completion: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
