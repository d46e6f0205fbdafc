package async

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestSafeGo_Success(t *testing.T) {
	executed := atomic.Bool{}

	done := SafeGo(context.Background(), nil, time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	if err := wait(t, done); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !executed.Load() {
		t.Error("SafeGo did not execute function")
	}
	if _, open := <-done; open {
		t.Error("done channel should be closed")
	}
}

func TestSafeGo_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	err := wait(t, SafeGo(context.Background(), logger, time.Second, "failing task", func(ctx context.Context) error {
		return errors.New("test error")
	}))

	if err == nil || err.Error() != "test error" {
		t.Errorf("expected test error, got %v", err)
	}
	if !strings.Contains(buf.String(), "failing task") {
		t.Errorf("expected the task name in the log, got %q", buf.String())
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	err := wait(t, SafeGo(context.Background(), logger, 0, "panicking task", func(ctx context.Context) error {
		panic("boom")
	}))

	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected panic error, got %v", err)
	}
	if !strings.Contains(buf.String(), "background task panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	err := wait(t, SafeGo(context.Background(), logger, 20*time.Millisecond, "slow task", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("timeouts should not be logged, got %q", buf.String())
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runs := atomic.Int32{}

	done := Every(ctx, nil, 5*time.Millisecond, "ticker", func(context.Context) {
		runs.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := wait(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
	if runs.Load() < 3 {
		t.Errorf("expected at least 3 runs, got %d", runs.Load())
	}
}
