package schedule

import (
	"context"
	"testing"
	"time"
)

func TestRuntimeRejectsBadCronSpec(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(time.UTC, testLogger())
	if err := rt.AddCron("x", "not a spec", func() {}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRuntimeOnceFiresAfterStart(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(time.UTC, testLogger())

	fired := make(chan struct{})
	// Past deadline: must fire immediately once started.
	rt.AddOnce("x", time.Now().Add(-time.Minute), func() { close(fired) })

	rt.Start()
	defer rt.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("once trigger never fired")
	}
}

func TestRuntimeAddOnceDuringStart(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(time.UTC, testLogger())

	// Racing AddOnce against Start: the definition must end up armed no
	// matter which side wins, not parked until the next Stop/Start cycle.
	fired := make(chan struct{})
	started := make(chan struct{})
	go func() {
		rt.Start()
		close(started)
	}()
	rt.AddOnce("x", time.Now().Add(10*time.Millisecond), func() { close(fired) })
	<-started
	defer rt.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger added during Start never armed")
	}
}

func TestRuntimeOnceUpsertDropsOldCallback(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(time.UTC, testLogger())
	rt.Start()
	defer rt.Stop(context.Background())

	old := make(chan struct{}, 1)
	fired := make(chan struct{})
	rt.AddOnce("x", time.Now().Add(time.Hour), func() { old <- struct{}{} })
	rt.AddOnce("x", time.Now().Add(20*time.Millisecond), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement trigger never fired")
	}
	select {
	case <-old:
		t.Fatal("stale callback ran after upsert")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRuntimeRemoveStopsOnce(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(time.UTC, testLogger())
	rt.Start()
	defer rt.Stop(context.Background())

	fired := make(chan struct{}, 1)
	rt.AddOnce("x", time.Now().Add(30*time.Millisecond), func() { fired <- struct{}{} })
	if !rt.Remove("x") {
		t.Fatal("Remove reported nothing removed")
	}

	select {
	case <-fired:
		t.Fatal("removed trigger fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRuntimeStopStartRearmsOnce(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(time.UTC, testLogger())

	fired := make(chan struct{})
	rt.AddOnce("x", time.Now().Add(30*time.Millisecond), func() { close(fired) })

	rt.Start()
	rt.Stop(context.Background())

	select {
	case <-fired:
		t.Fatal("trigger fired while stopped")
	case <-time.After(100 * time.Millisecond):
	}

	rt.Start()
	defer rt.Stop(context.Background())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger not re-armed after restart")
	}
}
