package schedule

import (
	"errors"
	"fmt"
	"time"

	"sendlater/internal/store"
)

// ErrMissingSchedule marks a task whose recurrence kind requires schedule
// fields it does not have. Such a task stays in the store but never fires;
// callers must surface it, not swallow it.
var ErrMissingSchedule = errors.New("missing required schedule fields")

type TriggerKind int

const (
	// TriggerCron fires repeatedly on a 5-field cron spec.
	TriggerCron TriggerKind = iota
	// TriggerOnce fires a single time at an absolute instant.
	TriggerOnce
)

// Trigger is the computed firing rule for one task.
type Trigger struct {
	Kind TriggerKind
	Spec string    // cron spec (TriggerCron)
	At   time.Time // absolute fire time (TriggerOnce)
}

// Anchor holds the calendar fields extracted once from a task's schedule
// date. For recurring kinds the date only anchors the recurrence; it is not
// a future deadline.
type Anchor struct {
	Weekday time.Weekday
	Day     int
	Month   time.Month
}

func deriveAnchor(date time.Time) Anchor {
	return Anchor{Weekday: date.Weekday(), Day: date.Day(), Month: date.Month()}
}

const dateLayout = "2006-01-02"

// BuildTrigger computes the trigger spec for a task.
//
// Rules per recurrence kind:
//   - hourly: every hour at the stored minute
//   - daily: every day at HH:MM
//   - weekly: weekday extracted from the schedule date, at HH:MM
//   - monthly: day-of-month from the schedule date, at HH:MM; months without
//     that day are skipped (cron day-of-month semantics, e.g. day 31 in
//     February never matches)
//   - yearly: month and day from the schedule date, at HH:MM
//   - once: the absolute instant formed from date + time in loc
//
// A kind missing its required fields returns ErrMissingSchedule; malformed
// date/time values return parse errors. Neither registers a trigger.
func BuildTrigger(t store.Task, loc *time.Location) (Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	if !store.ValidRecurrence(t.Recurrence) {
		return Trigger{}, fmt.Errorf("unknown recurrence %q", t.Recurrence)
	}

	if t.ScheduleTime == "" {
		return Trigger{}, fmt.Errorf("%s task: %w: schedule time", t.Recurrence, ErrMissingSchedule)
	}
	hour, minute, err := parseHHMM(t.ScheduleTime)
	if err != nil {
		return Trigger{}, err
	}

	switch t.Recurrence {
	case store.RecurrenceHourly:
		return Trigger{Kind: TriggerCron, Spec: fmt.Sprintf("%d * * * *", minute)}, nil

	case store.RecurrenceDaily:
		return Trigger{Kind: TriggerCron, Spec: fmt.Sprintf("%d %d * * *", minute, hour)}, nil

	case store.RecurrenceWeekly:
		a, err := anchorFromTask(t, loc)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: TriggerCron, Spec: fmt.Sprintf("%d %d * * %d", minute, hour, int(a.Weekday))}, nil

	case store.RecurrenceMonthly:
		a, err := anchorFromTask(t, loc)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: TriggerCron, Spec: fmt.Sprintf("%d %d %d * *", minute, hour, a.Day)}, nil

	case store.RecurrenceYearly:
		a, err := anchorFromTask(t, loc)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: TriggerCron, Spec: fmt.Sprintf("%d %d %d %d *", minute, hour, a.Day, int(a.Month))}, nil

	case store.RecurrenceOnce:
		if t.ScheduleDate == "" {
			return Trigger{}, fmt.Errorf("once task: %w: schedule date", ErrMissingSchedule)
		}
		at, err := time.ParseInLocation(dateLayout+" 15:04", t.ScheduleDate+" "+t.ScheduleTime, loc)
		if err != nil {
			return Trigger{}, fmt.Errorf("once task: invalid date-time: %w", err)
		}
		return Trigger{Kind: TriggerOnce, At: at}, nil
	}
	return Trigger{}, fmt.Errorf("unknown recurrence %q", t.Recurrence)
}

func anchorFromTask(t store.Task, loc *time.Location) (Anchor, error) {
	if t.ScheduleDate == "" {
		return Anchor{}, fmt.Errorf("%s task: %w: schedule date", t.Recurrence, ErrMissingSchedule)
	}
	d, err := time.ParseInLocation(dateLayout, t.ScheduleDate, loc)
	if err != nil {
		return Anchor{}, fmt.Errorf("%s task: invalid schedule date: %w", t.Recurrence, err)
	}
	return deriveAnchor(d), nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	tm, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q: %w", s, err)
	}
	return tm.Hour(), tm.Minute(), nil
}
