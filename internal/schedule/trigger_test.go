package schedule

import (
	"errors"
	"testing"
	"time"

	"sendlater/internal/store"
)

func TestBuildTriggerCronKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task store.Task
		spec string
	}{
		{
			name: "hourly uses minute only",
			task: store.Task{Recurrence: store.RecurrenceHourly, ScheduleTime: "09:30"},
			spec: "30 * * * *",
		},
		{
			name: "daily uses hour and minute",
			task: store.Task{Recurrence: store.RecurrenceDaily, ScheduleTime: "07:05"},
			spec: "5 7 * * *",
		},
		{
			name: "weekly anchors weekday from date",
			// 2026-01-05 is a Monday
			task: store.Task{Recurrence: store.RecurrenceWeekly, ScheduleDate: "2026-01-05", ScheduleTime: "18:00"},
			spec: "0 18 * * 1",
		},
		{
			name: "monthly anchors day from date",
			task: store.Task{Recurrence: store.RecurrenceMonthly, ScheduleDate: "2026-01-31", ScheduleTime: "08:15"},
			spec: "15 8 31 * *",
		},
		{
			name: "yearly anchors month and day from date",
			task: store.Task{Recurrence: store.RecurrenceYearly, ScheduleDate: "2026-12-25", ScheduleTime: "10:00"},
			spec: "0 10 25 12 *",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildTrigger(tt.task, time.UTC)
			if err != nil {
				t.Fatalf("BuildTrigger error: %v", err)
			}
			if got.Kind != TriggerCron {
				t.Fatalf("Kind = %v, want TriggerCron", got.Kind)
			}
			if got.Spec != tt.spec {
				t.Fatalf("Spec = %q, want %q", got.Spec, tt.spec)
			}
		})
	}
}

func TestBuildTriggerOnce(t *testing.T) {
	t.Parallel()
	task := store.Task{
		Recurrence:   store.RecurrenceOnce,
		ScheduleDate: "2026-03-01",
		ScheduleTime: "14:45",
	}
	got, err := BuildTrigger(task, time.UTC)
	if err != nil {
		t.Fatalf("BuildTrigger error: %v", err)
	}
	if got.Kind != TriggerOnce {
		t.Fatalf("Kind = %v, want TriggerOnce", got.Kind)
	}
	want := time.Date(2026, 3, 1, 14, 45, 0, 0, time.UTC)
	if !got.At.Equal(want) {
		t.Fatalf("At = %v, want %v", got.At, want)
	}
}

func TestBuildTriggerMissingFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task store.Task
	}{
		{"hourly without time", store.Task{Recurrence: store.RecurrenceHourly}},
		{"weekly without date", store.Task{Recurrence: store.RecurrenceWeekly, ScheduleTime: "08:00"}},
		{"monthly without date", store.Task{Recurrence: store.RecurrenceMonthly, ScheduleTime: "08:00"}},
		{"once without date", store.Task{Recurrence: store.RecurrenceOnce, ScheduleTime: "08:00"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildTrigger(tt.task, time.UTC)
			if !errors.Is(err, ErrMissingSchedule) {
				t.Fatalf("err = %v, want ErrMissingSchedule", err)
			}
		})
	}
}

func TestBuildTriggerInvalidValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task store.Task
	}{
		{"unknown recurrence", store.Task{Recurrence: "fortnightly", ScheduleTime: "08:00"}},
		{"bad time", store.Task{Recurrence: store.RecurrenceDaily, ScheduleTime: "25:99"}},
		{"bad date", store.Task{Recurrence: store.RecurrenceWeekly, ScheduleDate: "01/05/2026", ScheduleTime: "08:00"}},
		{"bad once datetime", store.Task{Recurrence: store.RecurrenceOnce, ScheduleDate: "2026-13-40", ScheduleTime: "08:00"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildTrigger(tt.task, time.UTC); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildTriggerOnceHonorsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	task := store.Task{
		Recurrence:   store.RecurrenceOnce,
		ScheduleDate: "2026-03-01",
		ScheduleTime: "07:00",
	}
	got, err := BuildTrigger(task, loc)
	if err != nil {
		t.Fatalf("BuildTrigger error: %v", err)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !got.At.Equal(want) {
		t.Fatalf("At = %v, want %v (UTC)", got.At, want)
	}
}
