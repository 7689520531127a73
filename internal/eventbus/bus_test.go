package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeAck, Data: "x"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeAck {
				t.Fatalf("subscriber %d got type %s", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatalf("subscriber %d event has no timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish must not block on the full buffer.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeFired})
		b.Publish(Event{Type: TypeFired})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()

	b.Publish(Event{Type: TypeAck})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received event after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}
}
