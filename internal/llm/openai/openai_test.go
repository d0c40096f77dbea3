package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/efebarandurmaz/groundchat/internal/llm"
)

func TestNew_SetsDefaults(t *testing.T) {
	client := New("key", "gpt-4.1-mini", "", "", 0)
	if client.baseURL != defaultBaseURL {
		t.Errorf("expected default baseURL, got %q", client.baseURL)
	}
	if client.embedModel != defaultEmbedModel {
		t.Errorf("expected default embed model, got %q", client.embedModel)
	}
	if client.http.Timeout == 0 {
		t.Error("expected a client timeout")
	}
}

func TestComplete_SendsMessagesAndParsesUsage(t *testing.T) {
	var captured map[string]any
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &captured)
		w.Write([]byte(`{"model":"gpt-4.1-mini","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":11,"completion_tokens":3}}`))
	}))
	defer server.Close()

	client := New("sk-test", "gpt-4.1-mini", server.URL, "", 0)
	temp := 0.2
	resp, err := client.Complete(context.Background(), &llm.Prompt{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	}, &llm.RequestOptions{Temperature: &temp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if auth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", auth)
	}
	msgs := captured["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(msgs))
	}
	if first := msgs[0].(map[string]any); first["role"] != "system" || first["content"] != "be brief" {
		t.Errorf("unexpected first message %v", first)
	}
	if captured["temperature"] != 0.2 {
		t.Errorf("expected temperature 0.2, got %v", captured["temperature"])
	}

	if resp.Content != "hi there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.InputTokens == nil || *resp.InputTokens != 11 {
		t.Errorf("unexpected input tokens %v", resp.InputTokens)
	}
	if resp.OutputTokens == nil || *resp.OutputTokens != 3 {
		t.Errorf("unexpected output tokens %v", resp.OutputTokens)
	}
}

func TestComplete_MissingUsageIsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	resp, err := New("", "m", server.URL, "", 0).Complete(context.Background(), &llm.Prompt{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.InputTokens != nil || resp.OutputTokens != nil {
		t.Errorf("expected nil token counts, got %v %v", resp.InputTokens, resp.OutputTokens)
	}
}

func TestComplete_StatusErrorIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	_, err := New("", "m", server.URL, "", 0).Complete(context.Background(), &llm.Prompt{}, nil)
	var statusErr *llm.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *llm.StatusError, got %v", err)
	}
	if statusErr.StatusCode != 429 || statusErr.RetryAfter.Seconds() != 2 {
		t.Errorf("unexpected status error %+v", statusErr)
	}
	if !llm.IsRetryable(err) {
		t.Error("429 should be retryable")
	}
}

func TestEmbed_RestoresInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":2,"embedding":[3]},{"index":0,"embedding":[1]},{"index":1,"embedding":[2]}]}`))
	}))
	defer server.Close()

	vecs, err := New("", "m", server.URL, "", 0).Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer server.Close()

	if _, err := New("", "m", server.URL, "", 0).Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestPing(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer server.Close()

	client := New("", "m", server.URL, "", 0)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status = http.StatusUnauthorized
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error on 401")
	}
}
