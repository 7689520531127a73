// Package schedule is the recurrence engine: it derives trigger specs from
// stored tasks and maintains exactly one live trigger per non-paused task.
//
// The split mirrors how the rest of the repo isolates time:
//   - BuildTrigger is pure (task -> trigger spec, no clock)
//   - Runtime owns wall-clock firing (cron entries + one-shot timers)
//   - Engine owns the task-id -> trigger registry and store bookkeeping
package schedule
