// Package send implements the send semantics shared by the immediate path
// and scheduled fires: media goes out as an ordered sequence of individual
// messages with the task text as caption on the first item only, and every
// successful send gets a delivery receipt.
package send

import (
	"context"
	"fmt"

	"sendlater/internal/media"
	"sendlater/internal/store"
	"sendlater/internal/transport"
	logx "sendlater/pkg/logx"
)

type Service struct {
	st     store.Store
	client transport.Client
	log    logx.Logger
}

func New(st store.Store, client transport.Client, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, client: client, log: log}
}

// SendNow is the immediate-send path: it delivers the payload and deletes
// each media file right after its send succeeds.
func (s *Service) SendNow(ctx context.Context, t store.Task) ([]transport.Delivery, error) {
	return s.deliver(ctx, t, true)
}

// FireScheduled is the engine's fire function. On a successful one-shot
// fire it deletes the task and its attachments; a failed one-shot stays in
// the store, unregistered, and is never retried.
func (s *Service) FireScheduled(ctx context.Context, t store.Task) error {
	if _, err := s.deliver(ctx, t, false); err != nil {
		return err
	}
	if t.Recurrence != store.RecurrenceOnce {
		return nil
	}
	if _, err := s.st.DeleteTasks(ctx, []string{t.ID}); err != nil {
		s.log.Error("one-shot cleanup: task delete failed", logx.String("task", t.ID), logx.Err(err))
	}
	for _, p := range t.MediaPaths {
		media.BestEffortDelete(p, s.log)
	}
	return nil
}

// deliver sends the payload. A failure mid-sequence stops the sequence;
// receipts for the messages already delivered are kept.
func (s *Service) deliver(ctx context.Context, t store.Task, deleteAfterSend bool) ([]transport.Delivery, error) {
	if len(t.MediaPaths) == 0 {
		d, err := s.client.SendText(ctx, t.Phone, t.Text)
		if err != nil {
			return nil, err
		}
		s.record(ctx, t.ID, d)
		return []transport.Delivery{d}, nil
	}

	out := make([]transport.Delivery, 0, len(t.MediaPaths))
	for i, path := range t.MediaPaths {
		opt := &transport.SendOptions{}
		if i == 0 && t.Text != "" {
			opt.Caption = t.Text
		}
		d, err := s.client.SendMedia(ctx, t.Phone, path, opt)
		if err != nil {
			return out, fmt.Errorf("media item %d: %w", i, err)
		}
		s.record(ctx, t.ID, d)
		out = append(out, d)
		if deleteAfterSend {
			media.BestEffortDelete(path, s.log)
		}
	}
	return out, nil
}

// record persists the initial receipt for one delivery. Receipts are
// telemetry: a persist failure is logged, never propagated.
func (s *Service) record(ctx context.Context, taskID string, d transport.Delivery) {
	err := s.st.UpsertReceipt(ctx, store.Receipt{
		MessageID: d.ID,
		TaskID:    taskID,
		Ack:       d.Ack,
	})
	if err != nil {
		s.log.Warn("receipt write failed", logx.String("delivery", d.ID), logx.Err(err))
	}
}
