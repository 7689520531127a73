package schedule

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "sendlater/pkg/logx"
)

// Runtime is the only component aware of wall-clock time. The engine
// registers named triggers; the runtime invokes the callback at each
// occurrence. Adding a trigger under an existing id replaces it.
type Runtime interface {
	AddCron(id, spec string, fn func()) error
	AddOnce(id string, at time.Time, fn func())
	Remove(id string) bool
	Start()
	Stop(ctx context.Context)
}

type cronDef struct {
	id      string
	spec    string
	fn      func()
	entryID cron.EntryID
}

// cronRuntime triggers via robfig/cron for recurring specs and time.AfterFunc
// for one-shot registrations.
type cronRuntime struct {
	mu sync.Mutex

	log logx.Logger
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	// one-time timers (timers are runtime; onceAt/onceFn are persistent
	// definitions so Stop/Start can rebuild them). live mirrors whether the
	// runtime is started; it is kept under tmu so AddOnce and Start's rearm
	// loop can never both skip arming a definition.
	tmu     sync.Mutex
	live    bool
	timers  map[string]*time.Timer
	onceAt  map[string]time.Time
	onceFn  map[string]func()
	onceVer map[string]uint64
}

func NewRuntime(loc *time.Location, log logx.Logger) Runtime {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &cronRuntime{
		log:     log,
		loc:     loc,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		timers:  map[string]*time.Timer{},
		onceAt:  map[string]time.Time{},
		onceFn:  map[string]func(){},
		onceVer: map[string]uint64{},
	}
}

func (r *cronRuntime) AddCron(id, spec string, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Upsert by id: drop any previous registration (cron or once) so the same
	// task never holds two live triggers.
	_ = r.removeCronLocked(id)
	r.removeOnce(id)
	d := cronDef{id: id, spec: spec, fn: fn}
	r.defs = append(r.defs, d)
	if r.c != nil {
		if err := r.addEntryLocked(&r.defs[len(r.defs)-1]); err != nil {
			_ = r.removeCronLocked(id)
			return err
		}
		return nil
	}
	// Not started yet: validate now, register when Start() runs.
	_, err := r.parser.Parse(spec)
	if err != nil {
		_ = r.removeCronLocked(id)
	}
	return err
}

func (r *cronRuntime) AddOnce(id string, at time.Time, fn func()) {
	runAt := at.In(r.loc)

	r.mu.Lock()
	_ = r.removeCronLocked(id)
	r.mu.Unlock()

	r.tmu.Lock()
	defer r.tmu.Unlock()
	// upsert: stop existing timer with the same id
	if t, ok := r.timers[id]; ok {
		_ = t.Stop()
		delete(r.timers, id)
	}
	// bump version to ignore stale callbacks from previously scheduled timers
	ver := r.onceVer[id] + 1
	r.onceVer[id] = ver
	r.onceAt[id] = runAt
	r.onceFn[id] = fn

	if r.live {
		r.armOnceLocked(id, runAt, ver)
	}
}

// armOnceLocked creates the runtime timer for a persisted once definition.
// Call with r.tmu held.
func (r *cronRuntime) armOnceLocked(id string, runAt time.Time, ver uint64) {
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() {
		// If the trigger was removed or replaced, ignore this callback.
		r.tmu.Lock()
		curVer := r.onceVer[id]
		fn := r.onceFn[id]
		_, okAt := r.onceAt[id]
		if curVer != ver || fn == nil || !okAt {
			r.tmu.Unlock()
			return
		}
		// cleanup the persisted definition first (prevents double-exec after
		// a Stop/Start cycle)
		delete(r.timers, id)
		delete(r.onceAt, id)
		delete(r.onceFn, id)
		delete(r.onceVer, id)
		r.tmu.Unlock()

		r.invoke(id, fn)
	})
	r.timers[id] = timer
}

func (r *cronRuntime) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	r.mu.Lock()
	removed := r.removeCronLocked(id)
	r.mu.Unlock()
	if r.removeOnce(id) {
		removed = true
	}
	if removed {
		r.log.Debug("trigger removed", logx.String("id", id))
	}
	return removed
}

// removeCronLocked removes defs matching id and unregisters them from cron if
// running. Call with r.mu held.
func (r *cronRuntime) removeCronLocked(id string) bool {
	removed := false
	if r.c != nil {
		for i := range r.defs {
			if r.defs[i].id == id && r.defs[i].entryID != 0 {
				r.c.Remove(r.defs[i].entryID)
				r.defs[i].entryID = 0
				removed = true
			}
		}
	}
	n := 0
	for _, d := range r.defs {
		if d.id == id {
			removed = true
			continue
		}
		r.defs[n] = d
		n++
	}
	if n < len(r.defs) {
		r.defs = r.defs[:n]
	}
	return removed
}

func (r *cronRuntime) removeOnce(id string) bool {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	removed := false
	if t, ok := r.timers[id]; ok {
		_ = t.Stop()
		delete(r.timers, id)
		removed = true
	}
	if _, ok := r.onceAt[id]; ok {
		delete(r.onceAt, id)
		removed = true
	}
	if _, ok := r.onceFn[id]; ok {
		delete(r.onceFn, id)
		removed = true
	}
	if _, ok := r.onceVer[id]; ok {
		delete(r.onceVer, id)
		removed = true
	}
	return removed
}

func (r *cronRuntime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for i := range r.defs {
		if err := r.addEntryLocked(&r.defs[i]); err != nil {
			r.log.Error("trigger register failed", logx.String("id", r.defs[i].id), logx.String("spec", r.defs[i].spec), logx.Err(err))
		}
	}
	r.c.Start()

	// Rebuild one-time timers from persisted definitions. A concurrent
	// AddOnce either lands before this loop and gets armed here, or sees
	// live=true and arms itself.
	r.tmu.Lock()
	r.live = true
	for id, runAt := range r.onceAt {
		ver := r.onceVer[id]
		if ver == 0 {
			ver = 1
			r.onceVer[id] = ver
		}
		r.armOnceLocked(id, runAt, ver)
	}
	r.tmu.Unlock()

	r.log.Info("trigger runtime started", logx.String("tz", r.loc.String()), logx.Int("triggers", len(r.defs)))
}

// Stop stops cron triggering and all runtime one-time timers. Persisted
// definitions remain so they can resume on next Start().
func (r *cronRuntime) Stop(ctx context.Context) {
	start := time.Now()

	r.mu.Lock()
	c := r.c
	r.c = nil
	for i := range r.defs {
		r.defs[i].entryID = 0
	}
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	r.tmu.Lock()
	r.live = false
	for _, t := range r.timers {
		_ = t.Stop()
	}
	r.timers = map[string]*time.Timer{}
	r.tmu.Unlock()

	r.log.Info("trigger runtime stopped", logx.Duration("took", time.Since(start)))
}

// addEntryLocked registers one def with the running cron. Call with r.mu held.
func (r *cronRuntime) addEntryLocked(d *cronDef) error {
	id := d.id
	fn := d.fn
	eid, err := r.c.AddFunc(d.spec, func() { r.invoke(id, fn) })
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (r *cronRuntime) invoke(id string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in trigger callback", logx.String("id", id), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
