package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestValidate_Empty(t *testing.T) {
	cfg := &Config{}
	warnings := cfg.Validate()
	if len(warnings) != 0 {
		t.Errorf("empty config should have no warnings, got %v", warnings)
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := &Config{
		LLM: LLMConfig{Provider: "openai"},
	}
	if !hasWarning(cfg.Validate(), "api_key") {
		t.Error("expected warning about missing api_key")
	}
}

func TestValidate_SeparateEmbeddingKey(t *testing.T) {
	cfg := &Config{
		LLM:       LLMConfig{Provider: "anthropic", APIKey: "sk-ant"},
		Embedding: EmbeddingConfig{},
	}
	if !hasWarning(cfg.Validate(), "embedding provider 'openai'") {
		t.Error("expected warning about the embedding api_key")
	}
}

func TestValidate_InvalidTemperature(t *testing.T) {
	tests := []struct {
		name string
		temp float64
		want bool // true = should warn
	}{
		{"zero", 0, false},
		{"normal", 0.7, false},
		{"max", 2.0, false},
		{"negative", -1, true},
		{"too_high", 3.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LLM: LLMConfig{Temperature: tt.temp}}
			if got := hasWarning(cfg.Validate(), "temperature"); got != tt.want {
				t.Errorf("temperature=%.1f: hasWarn=%v, want=%v", tt.temp, got, tt.want)
			}
		})
	}
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"max tokens", Config{LLM: LLMConfig{MaxTokens: -100}}, "max_tokens"},
		{"min score", Config{Retrieval: RetrievalConfig{MinScore: 1.5}}, "min_score"},
		{"default k", Config{Retrieval: RetrievalConfig{DefaultK: 30, MaxK: 20}}, "default_k"},
		{"overlap", Config{Chunker: ChunkerConfig{ChunkChars: 300, Overlap: 300}}, "overlap"},
		{"vector backend", Config{Vector: VectorConfig{Backend: "chroma"}}, "vector backend"},
		{"memory backend", Config{Memory: MemoryConfig{Backend: "memcached"}}, "memory backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !hasWarning(tt.cfg.Validate(), tt.want) {
				t.Errorf("expected warning containing %q", tt.want)
			}
		})
	}
}

func TestValidate_KeylessProviders(t *testing.T) {
	for _, p := range []string{"none", "ollama", "custom"} {
		cfg := &Config{LLM: LLMConfig{Provider: p}, Embedding: EmbeddingConfig{Provider: p}}
		if hasWarning(cfg.Validate(), "api_key") {
			t.Errorf("%q provider should not warn about missing api_key", p)
		}
	}
}

func TestEmbeddingResolve(t *testing.T) {
	base := LLMConfig{Provider: "openai", APIKey: "key1", BaseURL: "http://proxy/v1", Timeout: 30 * time.Second}

	resolved := EmbeddingConfig{Model: "text-embedding-3-large"}.Resolve(base)
	if resolved.Provider != "openai" || resolved.APIKey != "key1" || resolved.BaseURL != "http://proxy/v1" {
		t.Errorf("expected inherited settings, got %+v", resolved)
	}
	if resolved.Timeout != 30*time.Second || resolved.Model != "text-embedding-3-large" {
		t.Errorf("unexpected resolved %+v", resolved)
	}

	own := EmbeddingConfig{Provider: "ollama", BaseURL: "http://localhost:11434/v1"}.Resolve(base)
	if own.APIKey != "" || own.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("a different provider must not inherit credentials, got %+v", own)
	}

	anth := EmbeddingConfig{}.Resolve(LLMConfig{Provider: "anthropic", APIKey: "sk-ant", BaseURL: "https://api.anthropic.com/v1"})
	if anth.Provider != "openai" || anth.APIKey != "" || anth.BaseURL != "" {
		t.Errorf("anthropic chat should fall back to openai embeddings, got %+v", anth)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load("missing.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4.1-mini" || cfg.LLM.Timeout != 30*time.Second || cfg.LLM.Temperature != 0.2 {
		t.Errorf("unexpected llm defaults %+v", cfg.LLM)
	}
	if cfg.Memory.MaxTurns != 8 || cfg.Memory.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected memory defaults %+v", cfg.Memory)
	}
	if cfg.Retrieval.MinScore != 0.30 || cfg.Retrieval.OverfetchFactor != 20 || cfg.Retrieval.MinChunkChars != 200 {
		t.Errorf("unexpected retrieval defaults %+v", cfg.Retrieval)
	}
	if cfg.Chunker.ChunkChars != 2000 || cfg.Chunker.Overlap != 300 {
		t.Errorf("unexpected chunker defaults %+v", cfg.Chunker)
	}
	if cfg.Server.OwnerHeader != "X-User-ID" || cfg.Ingest.WatchDebounce != 500*time.Millisecond {
		t.Errorf("unexpected server/ingest defaults %+v %+v", cfg.Server, cfg.Ingest)
	}
}

func TestLoad_FileEnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := `
llm:
  provider: openai
  model: gpt-4o
memory:
  max_turns: 4
vector:
  backend: qdrant
  port: 6335
`
	if err := os.WriteFile(filepath.Join(dir, "groundchat.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=sk-from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("OPENAI_API_KEY")
	t.Setenv("GROUNDCHAT_LLM_MODEL", "gpt-4.1")
	t.Setenv("GROUNDCHAT_RETRIEVAL_MIN_SCORE", "0.5")

	cfg, err := Load(filepath.Join(dir, "groundchat.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("env should override file, got model %q", cfg.LLM.Model)
	}
	if cfg.Memory.MaxTurns != 4 || cfg.Vector.Backend != "qdrant" || cfg.Vector.Port != 6335 {
		t.Errorf("file values not applied: %+v %+v", cfg.Memory, cfg.Vector)
	}
	if cfg.Retrieval.MinScore != 0.5 {
		t.Errorf("expected min_score 0.5, got %v", cfg.Retrieval.MinScore)
	}
	if cfg.LLM.APIKey != "sk-from-dotenv" || cfg.Embedding.APIKey != "sk-from-dotenv" {
		t.Errorf("expected OPENAI_API_KEY fallback from .env, got %q / %q", cfg.LLM.APIKey, cfg.Embedding.APIKey)
	}
}

func TestLoad_BadFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "broken.yaml")
	os.WriteFile(path, []byte("llm: [unclosed"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
