package server

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewShutdownHandler(t *testing.T) {
	h := NewShutdownHandler(nil)
	if h.timeout != 30*time.Second {
		t.Fatalf("expected default timeout, got %v", h.timeout)
	}
	if h := NewShutdownHandler(&ShutdownConfig{Timeout: 10 * time.Second}); h.timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", h.timeout)
	}
	if h := NewShutdownHandler(&ShutdownConfig{}); h.timeout != 30*time.Second {
		t.Fatalf("expected zero timeout to fall back to 30s, got %v", h.timeout)
	}
}

func TestShutdownHandler_HookPriority(t *testing.T) {
	h := NewShutdownHandler(nil)

	h.RegisterHook("low", 100, func(ctx context.Context) error { return nil })
	h.RegisterHook("high", 10, func(ctx context.Context) error { return nil })
	h.RegisterHook("mid-a", 50, func(ctx context.Context) error { return nil })
	h.RegisterHook("mid-b", 50, func(ctx context.Context) error { return nil })

	want := []string{"high", "mid-a", "mid-b", "low"}
	for i, name := range want {
		if h.hooks[i].Name != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, h.hooks[i].Name)
		}
	}
}

func TestShutdownHandler_RunsHooksInOrder(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 5 * time.Second})

	var order []string
	record := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	h.Add(EventLogShutdownHook(record("events")))
	h.Add(StoreShutdownHook("vector-store", record("vector")))
	h.Add(HTTPServerShutdownHook("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	}))
	h.Add(WatcherShutdownHook(func() { order = append(order, "watcher") }))

	h.Start()
	h.Shutdown()
	if !h.WaitWithTimeout(2 * time.Second) {
		t.Fatal("shutdown timed out")
	}

	want := []string{"http", "watcher", "vector", "events"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestShutdownHandler_HookWithError(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 5 * time.Second})

	var called bool
	h.RegisterHook("failing", 10, func(ctx context.Context) error {
		return errors.New("hook failed")
	})
	h.RegisterHook("after", 20, func(ctx context.Context) error {
		called = true
		return nil
	})

	h.Start()
	h.Shutdown()
	h.Wait()

	if !called {
		t.Fatal("expected second hook to be called despite first failing")
	}
}

func TestShutdownHandler_HooksSeeDeadline(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: time.Second})

	var hasDeadline bool
	h.Add(TracingShutdownHook(func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}))

	h.Start()
	h.Shutdown()
	h.Wait()

	if !hasDeadline {
		t.Fatal("expected hook context to carry the shutdown timeout")
	}
}

func TestShutdownHandler_WaitWithTimeout_Timeout(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 10 * time.Second})

	release := make(chan struct{})
	defer close(release)
	h.RegisterHook("slow", 10, func(ctx context.Context) error {
		<-release
		return nil
	})

	h.Start()
	h.Shutdown()

	if h.WaitWithTimeout(100 * time.Millisecond) {
		t.Fatal("expected timeout")
	}
}

func TestShutdownHandler_DoubleStartAndEarlyShutdown(t *testing.T) {
	h := NewShutdownHandler(nil)
	h.Shutdown() // before Start: no-op

	h.Start()
	h.Start()
	if !h.started {
		t.Fatal("expected started to be true")
	}
	h.Shutdown()
	h.Shutdown()
	if !h.WaitWithTimeout(2 * time.Second) {
		t.Fatal("shutdown timed out")
	}
}

func TestCommonHookPriorities(t *testing.T) {
	noop := func() error { return nil }
	tests := []struct {
		hook ShutdownHook
		name string
		prio int
	}{
		{HTTPServerShutdownHook("api", func(context.Context) error { return nil }), "api", 10},
		{WatcherShutdownHook(func() {}), "watcher", 20},
		{TracingShutdownHook(func(context.Context) error { return nil }), "tracing", 80},
		{StoreShutdownHook("memory-store", noop), "memory-store", 90},
		{EventLogShutdownHook(noop), "event-log", 95},
	}
	for _, tt := range tests {
		if tt.hook.Name != tt.name || tt.hook.Priority != tt.prio {
			t.Errorf("expected %s/%d, got %s/%d", tt.name, tt.prio, tt.hook.Name, tt.hook.Priority)
		}
		if err := tt.hook.Fn(context.Background()); err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
	}
}
