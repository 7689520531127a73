package store

import (
	"context"
	"errors"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

// Recurrence kinds. "once" tasks fire a single time and are deleted after a
// successful send; everything else re-fires at its natural cadence.
const (
	RecurrenceOnce    = "once"
	RecurrenceHourly  = "hourly"
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
	RecurrenceYearly  = "yearly"
)

func ValidRecurrence(s string) bool {
	switch s {
	case RecurrenceOnce, RecurrenceHourly, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly:
		return true
	}
	return false
}

// Task is a stored description of a message to send, its schedule and its
// owner. Phone is a normalized address (digits plus domain suffix),
// MediaPaths an ordered list of attachment files, ScheduleDate/ScheduleTime
// use "2006-01-02" and "15:04", and ScheduleAt is the derived display field.
type Task struct {
	ID           string    `json:"id"`
	Phone        string    `json:"phone"`
	Name         string    `json:"name,omitempty"`
	Text         string    `json:"text"`
	MediaPaths   []string  `json:"mediaPaths"`
	ScheduleDate string    `json:"scheduleDate,omitempty"`
	ScheduleTime string    `json:"scheduleTime,omitempty"`
	Recurrence   string    `json:"recurrence"`
	ScheduleAt   string    `json:"scheduleAt"`
	UserEmail    string    `json:"userEmail,omitempty"`
	Paused       bool      `json:"paused"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DeriveScheduleAt recomputes the display field from the current schedule
// fields: "date time" for one-shot tasks, time only for recurring kinds.
func (t Task) DeriveScheduleAt() string {
	if t.Recurrence == RecurrenceOnce {
		return t.ScheduleDate + " " + t.ScheduleTime
	}
	return t.ScheduleTime
}

// Receipt is the delivery-status record for one dispatched message.
// MessageID is the transport's delivery identifier and is unique.
type Receipt struct {
	MessageID string    `json:"messageId"`
	TaskID    string    `json:"taskId,omitempty"`
	Ack       int       `json:"ack"`
	UpdatedAt time.Time `json:"timestamp"`
}

// ReceiptWithTask joins a receipt with its originating task.
// Task is nil when the task has since been deleted (normal for one-shots).
type ReceiptWithTask struct {
	Receipt
	Task *Task `json:"task,omitempty"`
}

// Store is the persistence API used by the engine, the API layer and the
// media sweep.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	// ListActiveTasks returns every non-paused task (startup recovery).
	ListActiveTasks(ctx context.Context) ([]Task, error)
	UpdateTask(ctx context.Context, t Task) error
	SetPaused(ctx context.Context, id string, paused bool) error
	DeleteTasks(ctx context.Context, ids []string) (int64, error)
	// TaskReferencesMedia reports whether any task still references the given
	// attachment path (reconciliation sweep).
	TaskReferencesMedia(ctx context.Context, path string) (bool, error)

	UpsertReceipt(ctx context.Context, r Receipt) error
	ListReceipts(ctx context.Context) ([]ReceiptWithTask, error)

	Close() error
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
