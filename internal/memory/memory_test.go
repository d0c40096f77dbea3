package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/efebarandurmaz/groundchat/internal/llm"
)

func newRedisStore(t *testing.T, maxTurns int, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, maxTurns, ttl)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

// stores runs fn against every backend.
func stores(t *testing.T, maxTurns int, fn func(t *testing.T, s Store)) {
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t, maxTurns, 0)
		fn(t, s)
	})
	t.Run("inmem", func(t *testing.T) {
		fn(t, NewInMemoryStore(maxTurns))
	})
}

func TestKey(t *testing.T) {
	key, err := Key("alice", "s1")
	if err != nil || key != "user:alice:session:s1" {
		t.Fatalf("unexpected key %q, %v", key, err)
	}
	for _, tc := range [][2]string{{"", "s1"}, {"alice", ""}, {"alice:session:x", "y"}} {
		if _, err := Key(tc[0], tc[1]); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Key(%q, %q): expected ErrInvalidKey, got %v", tc[0], tc[1], err)
		}
	}
}

func TestBound(t *testing.T) {
	if Bound(0) != 16 || Bound(3) != 6 {
		t.Fatalf("unexpected bounds %d, %d", Bound(0), Bound(3))
	}
}

func TestStore_KeepsNewestTurns(t *testing.T) {
	stores(t, 8, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := range 20 {
			role := llm.RoleUser
			if i%2 == 1 {
				role = llm.RoleAssistant
			}
			if err := s.Append(ctx, "alice", "s1", role, fmt.Sprintf("m%d", i)); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		got, err := s.Get(ctx, "alice", "s1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 16 {
			t.Fatalf("expected 16 turns, got %d", len(got))
		}
		if got[0].Content != "m4" || got[15].Content != "m19" {
			t.Errorf("expected m4..m19, got %s..%s", got[0].Content, got[15].Content)
		}
		if got[0].Role != llm.RoleUser || got[1].Role != llm.RoleAssistant {
			t.Errorf("roles not preserved: %+v", got[:2])
		}
	})
}

func TestStore_AppendExchange(t *testing.T) {
	stores(t, 1, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.AppendExchange(ctx, "bob", "s", "q1", "a1")
		s.AppendExchange(ctx, "bob", "s", "q2", "a2")

		got, _ := s.Get(ctx, "bob", "s")
		want := []Turn{{llm.RoleUser, "q2"}, {llm.RoleAssistant, "a2"}}
		if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})
}

func TestStore_OwnersAreIsolated(t *testing.T) {
	stores(t, 8, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Append(ctx, "alice", "shared", llm.RoleUser, "from alice")

		got, err := s.Get(ctx, "mallory", "shared")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Fatalf("another owner must not see the session, got %v", got)
		}
	})
}

func TestStore_ColonInOwnerCannotReachOtherSessions(t *testing.T) {
	stores(t, 8, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.AppendExchange(ctx, "alice", "x:session:y", "secret question", "secret answer"); err != nil {
			t.Fatal(err)
		}

		if _, err := s.Get(ctx, "alice:session:x", "y"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for owner with ':', got %v", err)
		}
		if err := s.Append(ctx, "alice:session:x", "y", llm.RoleUser, "x"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey on append, got %v", err)
		}

		got, err := s.Get(ctx, "alice", "x:session:y")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected alice's exchange intact, got %v", got)
		}
	})
}

func TestStore_ResetAndInvalidInput(t *testing.T) {
	stores(t, 8, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Append(ctx, "alice", "s1", llm.RoleUser, "hello")
		if err := s.Reset(ctx, "alice", "s1"); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "alice", "s1")
		if got == nil || len(got) != 0 {
			t.Fatalf("expected empty non-nil history after reset, got %#v", got)
		}

		if err := s.Append(ctx, "alice", "s1", llm.Role("tool"), "x"); !errors.Is(err, ErrInvalidRole) {
			t.Errorf("expected ErrInvalidRole, got %v", err)
		}
		if err := s.Append(ctx, "", "s1", llm.RoleUser, "x"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
		if err := s.Reset(ctx, "alice", ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey on reset, got %v", err)
		}
	})
}

func TestStore_ConcurrentAppendsStayBounded(t *testing.T) {
	stores(t, 4, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.AppendExchange(ctx, "alice", "s1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
					t.Errorf("append: %v", err)
				}
			}()
		}
		wg.Wait()

		got, _ := s.Get(ctx, "alice", "s1")
		if len(got) != 8 {
			t.Fatalf("expected 8 turns, got %d", len(got))
		}
		for i := 0; i < len(got); i += 2 {
			if got[i].Role != llm.RoleUser || got[i+1].Role != llm.RoleAssistant ||
				got[i].Content[1:] != got[i+1].Content[1:] {
				t.Errorf("exchange split apart at %d: %v %v", i, got[i], got[i+1])
			}
		}
	})
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newRedisStore(t, 8, time.Minute)
	ctx := context.Background()
	s.Append(ctx, "alice", "s1", llm.RoleUser, "hi")

	if ttl := mr.TTL("user:alice:session:s1"); ttl != time.Minute {
		t.Fatalf("expected ttl of 1m, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	got, _ := s.Get(ctx, "alice", "s1")
	if len(got) != 0 {
		t.Fatalf("expected expired session, got %v", got)
	}
}

func TestRedisStore_PingAndKeys(t *testing.T) {
	s, mr := newRedisStore(t, 8, 0)
	ctx := context.Background()
	s.Append(ctx, "a", "1", llm.RoleUser, "x")
	s.Append(ctx, "b", "2", llm.RoleUser, "y")

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if n, err := s.Keys(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 keys, got %d, %v", n, err)
	}

	mr.Close()
	if err := s.Ping(ctx); err == nil {
		t.Fatal("expected ping failure after server stops")
	}
	if _, err := s.Get(ctx, "a", "1"); err == nil {
		t.Fatal("expected read failure after server stops")
	}
}

func TestNewRedisStore_BadURL(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{URL: "http://nope"}); err == nil {
		t.Fatal("expected error for a non-redis url")
	}
}

func TestToMessages(t *testing.T) {
	msgs := ToMessages([]Turn{{llm.RoleUser, "q"}, {llm.RoleAssistant, "a"}})
	if len(msgs) != 2 || msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "a" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}
