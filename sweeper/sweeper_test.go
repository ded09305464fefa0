package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cardauthd/observability/logging"
)

type fakeExpirer struct {
	calls int32
	err   error
}

func (f *fakeExpirer) SweepExpired(context.Context) (int, int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return 0, 0, f.err
	}
	return 2, 0, nil
}

func TestSweepDelegates(t *testing.T) {
	exp := &fakeExpirer{}
	s := New(exp, logging.Setup("cardauthd-test", "test"), time.Hour)
	s.Sweep(context.Background())
	if atomic.LoadInt32(&exp.calls) != 1 {
		t.Fatalf("expected one sweep call, saw %d", exp.calls)
	}
}

func TestSweepSwallowsErrors(t *testing.T) {
	exp := &fakeExpirer{err: errors.New("db down")}
	s := New(exp, logging.Setup("cardauthd-test", "test"), time.Hour)
	s.Sweep(context.Background())
	s.Sweep(context.Background())
	if atomic.LoadInt32(&exp.calls) != 2 {
		t.Fatalf("a failing sweep must not stop later runs, saw %d", exp.calls)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	exp := &fakeExpirer{}
	s := New(exp, logging.Setup("cardauthd-test", "test"), 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&exp.calls) < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper never ticked")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
