package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"sendlater/internal/eventbus"
	"sendlater/internal/store"
	logx "sendlater/pkg/logx"
)

// FireFunc performs the send-and-record work for one trigger occurrence.
// It must not retry: a failure is terminal for that occurrence.
type FireFunc func(ctx context.Context, t store.Task) error

// ErrOnceElapsed marks a one-shot task whose fire time already passed. Such
// a task never gets a trigger: it stays in the store but dark. A failed
// one-shot is stored in exactly this state, so registering it late would
// turn the no-retry policy into retry-on-restart.
var ErrOnceElapsed = errors.New("one-shot fire time already passed")

// FireReport is published on the bus (eventbus.TypeFired) after each
// occurrence, successful or not.
type FireReport struct {
	TaskID     string `json:"taskId"`
	Recurrence string `json:"recurrence"`
	Error      string `json:"error,omitempty"`
}

// Engine maintains the task-id -> trigger registry.
//
// Central invariant: at most one live trigger per non-paused task id.
// Register is cancel-then-create and idempotent; Cancel is a no-op for
// unknown ids. All registry mutations run under one mutex, so a cancel
// issued by pause/reschedule/delete takes effect before any later register
// for the same id. A fire already executing is allowed to complete.
type Engine struct {
	mu         sync.Mutex
	registered map[string]Trigger

	log  logx.Logger
	st   store.Store
	rt   Runtime
	fire FireFunc
	loc  *time.Location
	bus  eventbus.Bus
}

func NewEngine(st store.Store, rt Runtime, fire FireFunc, loc *time.Location, bus eventbus.Bus, log logx.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		registered: map[string]Trigger{},
		log:        log,
		st:         st,
		rt:         rt,
		fire:       fire,
		loc:        loc,
		bus:        bus,
	}
}

// Register computes the task's trigger and installs it, replacing any
// existing trigger for the same id. Paused tasks only have their trigger
// removed. Tasks whose schedule fields can't produce a trigger, and one-shot
// tasks whose instant has already passed, are left unregistered and the
// error is returned for the caller to surface.
func (e *Engine) Register(t store.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Paused {
		e.cancelLocked(t.ID)
		return nil
	}

	trig, err := BuildTrigger(t, e.loc)
	if err != nil {
		e.cancelLocked(t.ID)
		return err
	}

	id := t.ID
	switch trig.Kind {
	case TriggerOnce:
		if !trig.At.After(time.Now()) {
			e.cancelLocked(id)
			return ErrOnceElapsed
		}
		e.rt.AddOnce(id, trig.At, func() { e.runFire(id) })
	default:
		if err := e.rt.AddCron(id, trig.Spec, func() { e.runFire(id) }); err != nil {
			delete(e.registered, id)
			return err
		}
	}
	e.registered[id] = trig
	e.log.Debug("trigger registered",
		logx.String("task", id),
		logx.String("recurrence", t.Recurrence),
		logx.String("spec", trig.Spec),
		logx.Time("at", trig.At))
	return nil
}

// Cancel removes the live trigger for the id, if any.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	e.cancelLocked(id)
	e.mu.Unlock()
}

func (e *Engine) cancelLocked(id string) {
	e.rt.Remove(id)
	delete(e.registered, id)
}

// Reschedule replaces the task's trigger with one computed from its current
// fields. The caller must have re-derived the display field already.
func (e *Engine) Reschedule(t store.Task) error {
	return e.Register(t)
}

// Pause cancels the trigger, then persists paused=true. The task and its
// schedule stay intact for a later Resume.
func (e *Engine) Pause(ctx context.Context, id string) (store.Task, error) {
	e.Cancel(id)
	if err := e.st.SetPaused(ctx, id, true); err != nil {
		return store.Task{}, err
	}
	return e.st.GetTask(ctx, id)
}

// Resume persists paused=false, then re-registers. A task whose stored
// schedule can no longer produce a trigger stays resumed but unregistered;
// that condition is logged at warning level.
func (e *Engine) Resume(ctx context.Context, id string) (store.Task, error) {
	if err := e.st.SetPaused(ctx, id, false); err != nil {
		return store.Task{}, err
	}
	t, err := e.st.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	if err := e.Register(t); err != nil {
		e.log.Warn("resumed task left unregistered", logx.String("task", id), logx.Err(err))
	}
	return t, nil
}

// Delete cancels triggers and removes the tasks from the store. A fire
// already in flight for one of the ids completes (at-least-once), but no
// further fires occur.
func (e *Engine) Delete(ctx context.Context, ids []string) (int64, error) {
	for _, id := range ids {
		e.Cancel(id)
	}
	return e.st.DeleteTasks(ctx, ids)
}

// Recover loads every non-paused task and registers it. Failures are
// isolated per task: one malformed task must not keep the rest dark.
func (e *Engine) Recover(ctx context.Context) error {
	tasks, err := e.st.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	ok := 0
	for _, t := range tasks {
		if err := e.Register(t); err != nil {
			e.log.Warn("task not registered at startup",
				logx.String("task", t.ID),
				logx.String("recurrence", t.Recurrence),
				logx.Err(err))
			continue
		}
		ok++
	}
	e.log.Info("startup recovery complete", logx.Int("registered", ok), logx.Int("tasks", len(tasks)))
	return nil
}

// Active reports whether the id currently holds a live trigger.
func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	_, ok := e.registered[id]
	e.mu.Unlock()
	return ok
}

// ActiveCount returns the number of live triggers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	n := len(e.registered)
	e.mu.Unlock()
	return n
}

// runFire is the trigger callback. It re-reads the task so an edit that
// landed between scheduling and firing is honored, then hands off to the
// fire function without holding the registry lock.
func (e *Engine) runFire(id string) {
	ctx := context.Background()

	t, err := e.st.GetTask(ctx, id)
	if errors.Is(err, store.ErrTaskNotFound) {
		// Deleted under a live trigger; drop the registration.
		e.Cancel(id)
		return
	}
	if err != nil {
		e.log.Error("fire aborted: task load failed", logx.String("task", id), logx.Err(err))
		return
	}
	if t.Paused {
		return
	}

	if t.Recurrence == store.RecurrenceOnce {
		// The runtime timer self-removed; keep the registry in step whether
		// or not the send below succeeds (a failed one-shot never retries).
		e.mu.Lock()
		delete(e.registered, id)
		e.mu.Unlock()
	}

	err = e.fire(ctx, t)
	report := FireReport{TaskID: id, Recurrence: t.Recurrence}
	if err != nil {
		report.Error = err.Error()
		e.log.Error("scheduled send failed",
			logx.String("task", id),
			logx.String("recurrence", t.Recurrence),
			logx.Err(err))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Data: report})
	}
}
