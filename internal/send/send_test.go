package send

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sendlater/internal/store"
	"sendlater/internal/transport"
	logx "sendlater/pkg/logx"
)

type sentCall struct {
	kind    string // "text" or "media"
	address string
	path    string
	caption string
}

// fakeClient records sends and can fail at a given media index.
type fakeClient struct {
	mu     sync.Mutex
	calls  []sentCall
	seq    int
	failAt int // media index that errors; -1 for never
}

func newFakeClient() *fakeClient { return &fakeClient{failAt: -1} }

func (c *fakeClient) SendText(_ context.Context, address, text string) (transport.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, sentCall{kind: "text", address: address})
	c.seq++
	return transport.Delivery{ID: fmt.Sprintf("m%d", c.seq), Ack: transport.AckServer}, nil
}

func (c *fakeClient) SendMedia(_ context.Context, address, filePath string, opt *transport.SendOptions) (transport.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := 0
	for _, call := range c.calls {
		if call.kind == "media" {
			idx++
		}
	}
	if idx == c.failAt {
		return transport.Delivery{}, errors.New("transport down")
	}
	caption := ""
	if opt != nil {
		caption = opt.Caption
	}
	c.calls = append(c.calls, sentCall{kind: "media", address: address, path: filePath, caption: caption})
	c.seq++
	return transport.Delivery{ID: fmt.Sprintf("m%d", c.seq), Ack: transport.AckServer}, nil
}

// fakeStore implements only what the send path touches; embedding keeps the
// interface satisfied.
type fakeStore struct {
	store.Store

	mu       sync.Mutex
	receipts []store.Receipt
	deleted  []string
}

func (s *fakeStore) UpsertReceipt(_ context.Context, r store.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *fakeStore) DeleteTasks(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return int64(len(ids)), nil
}

func writeTempFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("file%d.jpg", i))
		if err := os.WriteFile(paths[i], []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestSendNowTextOnly(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	client := newFakeClient()
	svc := New(st, client, logx.Nop())

	task := store.Task{ID: "t1", Phone: "628111@c.us", Text: "hello"}
	deliveries, err := svc.SendNow(context.Background(), task)
	if err != nil {
		t.Fatalf("SendNow error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	if len(client.calls) != 1 || client.calls[0].kind != "text" {
		t.Fatalf("unexpected calls: %+v", client.calls)
	}
	if len(st.receipts) != 1 || st.receipts[0].TaskID != "t1" {
		t.Fatalf("unexpected receipts: %+v", st.receipts)
	}
}

func TestSendMediaOrderingAndCaption(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	client := newFakeClient()
	svc := New(st, client, logx.Nop())

	paths := writeTempFiles(t, 3)
	task := store.Task{ID: "t1", Phone: "628111@c.us", Text: "caption", MediaPaths: paths}

	deliveries, err := svc.SendNow(context.Background(), task)
	if err != nil {
		t.Fatalf("SendNow error: %v", err)
	}
	if len(deliveries) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(deliveries))
	}
	if len(client.calls) != 3 {
		t.Fatalf("calls = %d, want 3 media sends, no separate text", len(client.calls))
	}
	for i, call := range client.calls {
		if call.kind != "media" || call.path != paths[i] {
			t.Fatalf("call %d out of order: %+v", i, call)
		}
		wantCaption := ""
		if i == 0 {
			wantCaption = "caption"
		}
		if call.caption != wantCaption {
			t.Fatalf("call %d caption = %q, want %q", i, call.caption, wantCaption)
		}
	}
	// Immediate path deletes each file after its send.
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("file %s survived immediate send", p)
		}
	}
}

func TestFireScheduledRecurringKeepsEverything(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	client := newFakeClient()
	svc := New(st, client, logx.Nop())

	paths := writeTempFiles(t, 2)
	task := store.Task{ID: "t1", Phone: "628111@c.us", Text: "hi", Recurrence: store.RecurrenceDaily, MediaPaths: paths}

	if err := svc.FireScheduled(context.Background(), task); err != nil {
		t.Fatalf("FireScheduled error: %v", err)
	}
	if len(st.deleted) != 0 {
		t.Fatalf("recurring fire deleted tasks: %v", st.deleted)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("recurring fire removed attachment %s: %v", p, err)
		}
	}
}

func TestFireScheduledOnceCleansUp(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	client := newFakeClient()
	svc := New(st, client, logx.Nop())

	paths := writeTempFiles(t, 2)
	task := store.Task{ID: "t1", Phone: "628111@c.us", Text: "hi", Recurrence: store.RecurrenceOnce, MediaPaths: paths}

	if err := svc.FireScheduled(context.Background(), task); err != nil {
		t.Fatalf("FireScheduled error: %v", err)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "t1" {
		t.Fatalf("task not deleted after one-shot fire: %v", st.deleted)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("attachment %s survived one-shot cleanup", p)
		}
	}
}

func TestFireScheduledOnceFailureKeepsTask(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	client := newFakeClient()
	client.failAt = 1
	svc := New(st, client, logx.Nop())

	paths := writeTempFiles(t, 3)
	task := store.Task{ID: "t1", Phone: "628111@c.us", Text: "hi", Recurrence: store.RecurrenceOnce, MediaPaths: paths}

	err := svc.FireScheduled(context.Background(), task)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if len(st.deleted) != 0 {
		t.Fatal("failed one-shot must keep its task")
	}
	// Receipt for the message that did go out is kept.
	if len(st.receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(st.receipts))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("attachment %s removed on failed fire: %v", p, err)
		}
	}
}

func TestSendNowMediaFailureStopsSequence(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	client := newFakeClient()
	client.failAt = 1
	svc := New(st, client, logx.Nop())

	paths := writeTempFiles(t, 3)
	task := store.Task{ID: "t1", Phone: "628111@c.us", Text: "hi", MediaPaths: paths}

	deliveries, err := svc.SendNow(context.Background(), task)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1 (first item only)", len(deliveries))
	}
	// First file was sent and deleted; the rest stay for the sweep.
	if _, err := os.Stat(paths[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("sent file not deleted")
	}
	for _, p := range paths[1:] {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("unsent file %s was removed: %v", p, err)
		}
	}
}
