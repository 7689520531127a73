package receipts

import (
	"context"
	"sync"
	"testing"
	"time"

	"sendlater/internal/eventbus"
	"sendlater/internal/store"
	"sendlater/internal/transport"
	logx "sendlater/pkg/logx"
)

type memUpserter struct {
	mu   sync.Mutex
	rows map[string]store.Receipt
}

func newMemUpserter() *memUpserter {
	return &memUpserter{rows: map[string]store.Receipt{}}
}

func (m *memUpserter) UpsertReceipt(_ context.Context, r store.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.MessageID] = r
	return nil
}

func (m *memUpserter) get(id string) (store.Receipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok
}

func (m *memUpserter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestRecorderUpsertsPerDelivery(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := newMemUpserter()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)
	defer rec.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeAck, Data: transport.Ack{DeliveryID: "m1", Code: transport.AckServer}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeAck, Data: transport.Ack{DeliveryID: "m2", Code: transport.AckServer}})

	waitFor(t, func() bool { return st.count() == 2 })
}

func TestRecorderLastAckWins(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := newMemUpserter()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)
	defer rec.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeAck, Data: transport.Ack{DeliveryID: "m1", Code: transport.AckServer}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeAck, Data: transport.Ack{DeliveryID: "m1", Code: transport.AckDevice}})

	waitFor(t, func() bool {
		r, ok := st.get("m1")
		return ok && r.Ack == transport.AckDevice
	})
	if st.count() != 1 {
		t.Fatalf("rows = %d, want single row per delivery id", st.count())
	}
}

func TestRecorderIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := newMemUpserter()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)

	bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Data: "not an ack"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeAck, Data: "wrong payload type"})

	rec.Stop()
	if st.count() != 0 {
		t.Fatalf("rows = %d, want 0", st.count())
	}
}
