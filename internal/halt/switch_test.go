package halt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"AgentVault/internal/notify"
)

func newTestSwitch(t *testing.T, cascades ...Cascade) (*Switch, *notify.CapturePublisher) {
	t.Helper()
	events := &notify.CapturePublisher{}
	s := NewSwitch(NewMemoryKV(), events, cascades...)
	if err := s.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	return s, events
}

func TestSwitchLifecycle(t *testing.T) {
	ctx := context.Background()
	s, events := newTestSwitch(t)

	state, err := s.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != StateNormal {
		t.Fatalf("initial state = %s, want NORMAL", state)
	}
	if err := s.Gate(ctx); err != nil {
		t.Fatalf("Gate in NORMAL: %v", err)
	}

	ok, err := s.Activate(ctx, "ops@example.com")
	if err != nil || !ok {
		t.Fatalf("Activate = (%v, %v), want (true, nil)", ok, err)
	}
	if err := s.Gate(ctx); !errors.Is(err, ErrHaltActive) {
		t.Fatalf("Gate in SUSPENDED = %v, want ErrHaltActive", err)
	}
	at, by, err := s.ActivationInfo(ctx)
	if err != nil {
		t.Fatalf("ActivationInfo: %v", err)
	}
	if at == 0 || by != "ops@example.com" {
		t.Fatalf("ActivationInfo = (%d, %q)", at, by)
	}
	if got := len(events.ByKind(notify.KindHaltActivated)); got != 1 {
		t.Fatalf("halt-activated events = %d, want 1", got)
	}

	// 重复激活在非 NORMAL 状态下返回假而不是错误。
	ok, err = s.Activate(ctx, "second")
	if err != nil || ok {
		t.Fatalf("second Activate = (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = s.Escalate(ctx, "ops@example.com")
	if err != nil || !ok {
		t.Fatalf("Escalate = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := s.RecoverFromSuspended(ctx); ok {
		t.Fatal("RecoverFromSuspended succeeded in LOCKED state")
	}
	ok, err = s.RecoverFromLocked(ctx)
	if err != nil || !ok {
		t.Fatalf("RecoverFromLocked = (%v, %v), want (true, nil)", ok, err)
	}
	if err := s.Gate(ctx); err != nil {
		t.Fatalf("Gate after recovery: %v", err)
	}
	at, by, err = s.ActivationInfo(ctx)
	if err != nil {
		t.Fatalf("ActivationInfo after recovery: %v", err)
	}
	if at != 0 || by != "" {
		t.Fatalf("activation info not cleared: (%d, %q)", at, by)
	}
	if got := len(events.ByKind(notify.KindHaltRecovered)); got != 1 {
		t.Fatalf("halt-recovered events = %d, want 1", got)
	}
}

func TestSwitchEnsureInitializedDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewSwitch(kv, nil)
	if err := s.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if ok, err := s.Activate(ctx, "ops"); err != nil || !ok {
		t.Fatalf("Activate = (%v, %v)", ok, err)
	}

	// 另一个进程实例启动时不得复位共享状态。
	other := NewSwitch(kv, nil)
	if err := other.EnsureInitialized(ctx); err != nil {
		t.Fatalf("second EnsureInitialized: %v", err)
	}
	state, err := other.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != StateSuspended {
		t.Fatalf("state after re-init = %s, want SUSPENDED", state)
	}
}

func TestSwitchConcurrentActivateExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	var cascadeRuns atomic.Int64
	s, _ := newTestSwitch(t, func(context.Context, string) {
		cascadeRuns.Add(1)
	})

	const racers = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.Activate(ctx, "racer")
			if err != nil {
				t.Errorf("Activate: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
	if cascadeRuns.Load() != 1 {
		t.Fatalf("cascade runs = %d, want 1", cascadeRuns.Load())
	}
}

func TestSwitchCascadePanicDoesNotPropagate(t *testing.T) {
	ctx := context.Background()
	var second atomic.Bool
	s, _ := newTestSwitch(t,
		func(context.Context, string) { panic("cascade failure") },
		func(context.Context, string) { second.Store(true) },
	)

	ok, err := s.Activate(ctx, "ops")
	if err != nil || !ok {
		t.Fatalf("Activate = (%v, %v), want (true, nil)", ok, err)
	}
	if !second.Load() {
		t.Fatal("second cascade did not run after first panicked")
	}
	state, _ := s.State(ctx)
	if state != StateSuspended {
		t.Fatalf("state = %s, want SUSPENDED despite cascade panic", state)
	}
}
