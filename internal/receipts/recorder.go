// Package receipts consumes delivery acknowledgments and keeps the receipt
// store current.
package receipts

import (
	"context"
	"sync"

	"sendlater/internal/eventbus"
	"sendlater/internal/store"
	"sendlater/internal/transport"
	logx "sendlater/pkg/logx"
)

// Upserter is the slice of the store the recorder needs.
type Upserter interface {
	UpsertReceipt(ctx context.Context, r store.Receipt) error
}

// Recorder subscribes to eventbus.TypeAck events and upserts one receipt per
// delivery identifier. Repeated events for the same identifier update in
// place (last-write-wins), so duplicate delivery of an ack is harmless.
type Recorder struct {
	st  Upserter
	bus eventbus.Bus
	log logx.Logger

	unsub func()
	wg    sync.WaitGroup
}

func NewRecorder(st Upserter, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, bus: bus, log: log}
}

func (r *Recorder) Start(ctx context.Context) {
	ch, unsub := r.bus.Subscribe(64)
	r.unsub = unsub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeAck {
					continue
				}
				ack, ok := ev.Data.(transport.Ack)
				if !ok {
					continue
				}
				r.apply(ctx, ack)
			}
		}
	}()
}

// Stop unsubscribes and waits for the worker to drain.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.wg.Wait()
}

// apply upserts the ack. Acks are best-effort telemetry: a persist failure
// is logged and the event dropped.
func (r *Recorder) apply(ctx context.Context, ack transport.Ack) {
	err := r.st.UpsertReceipt(ctx, store.Receipt{
		MessageID: ack.DeliveryID,
		Ack:       ack.Code,
	})
	if err != nil {
		r.log.Warn("ack not recorded", logx.String("delivery", ack.DeliveryID), logx.Err(err))
	}
}
