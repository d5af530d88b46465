// Package scheduler implements the Scheduler of spec.md §4.5: dependency
// resolution via topological sort, admission of startable tasks, and the
// three-shaped "satisfied" predicate over Ensure / Run / Run-with-healthcheck
// dependencies. Grounded on the teacher's event-driven mainloop style
// (internal/infrastructure/processmgr/process_manager2.go: react to signals,
// never busy-poll) for the Admit-on-event shape, and on its scheduler.go
// min-heap (see cooldown.go) for the autorestart cooldown enrichment.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/model"
)

// RestartCooldown is the fixed delay between an autorestart task's exit and
// its re-admission, inserted so a persistently crashing command does not
// spin the event loop in a tight respawn cycle (see cooldown.go doc comment).
const RestartCooldown = 1 * time.Second

// Scheduler owns the dependency graph and every task's runtime status. It is
// the sole mutator of that status, per spec.md §5 "Shared-resource policy"
// (here: owned by whichever goroutine calls into it, in practice the event
// loop).
type Scheduler struct {
	log *zap.Logger

	specs      map[string]*model.TaskSpec
	order      []string // admission order: dependencies before dependents, alphabetical ties
	dependents map[string][]string
	buffers    map[string]*buffer.Buffer

	mu       sync.RWMutex // guards status/notified/cooldown: spec.md §5, read cross-goroutine by the renderer
	status   map[string]*model.TaskStatus
	notified map[string]bool // dependents already told about a failed Ensure ancestor
	cooldown *cooldownQueue
}

// New validates specs (missing requires, dependency cycles) and returns a
// ready Scheduler with every task in NotStarted. buffers supplies the
// per-task Status sink the Panel Set owns (spec.md §4.4); the scheduler
// writes failure/restart annotations into it but never reads from it.
func New(log *zap.Logger, specs map[string]*model.TaskSpec, buffers map[string]*buffer.Buffer) (*Scheduler, error) {
	order, err := buildOrder(specs)
	if err != nil {
		return nil, err
	}

	status := make(map[string]*model.TaskStatus, len(specs))
	for name, spec := range specs {
		status[name] = &model.TaskStatus{Spec: spec, State: model.StateNotStarted}
	}

	return &Scheduler{
		log:        log.Named("scheduler"),
		specs:      specs,
		order:      order,
		dependents: dependents(specs),
		buffers:    buffers,
		status:     status,
		notified:   make(map[string]bool),
		cooldown:   newCooldownQueue(),
	}, nil
}

// Status returns a copy of one task's current runtime status. Safe to call
// from any goroutine (spec.md §5: rendering is a pull-based snapshot of
// state the event loop owns).
func (s *Scheduler) Status(name string) model.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.status[name]
}

// StatusView returns every task's status in alphabetical order by name,
// matching spec.md §3 "StatusView: an ordered (alphabetical by task name)
// list". Safe to call from any goroutine.
func (s *Scheduler) StatusView() []model.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.status))
	for name := range s.status {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.TaskStatus, 0, len(names))
	for _, name := range names {
		out = append(out, *s.status[name])
	}
	return out
}

// Admit implements spec.md §4.5's admission algorithm: walk the topological
// order, and for each NotStarted task whose requires are satisfied, move it
// to Starting. Returns the specs newly admitted, sorted by name (spec.md
// §4.5 tie-break among simultaneously startable tasks), for the caller (the
// event loop) to spawn TaskInstances for.
func (s *Scheduler) Admit() []*model.TaskSpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toStart []*model.TaskSpec

	for _, name := range s.order {
		st := s.status[name]
		if st.State != model.StateNotStarted {
			continue
		}
		if !s.startable(st.Spec) {
			continue
		}
		st.State = model.StateStarting
		toStart = append(toStart, st.Spec)
	}

	sort.Slice(toStart, func(i, j int) bool { return toStart[i].Name < toStart[j].Name })
	return toStart
}

// startable reports whether every dependency of spec is satisfied, per the
// three-shaped predicate of spec.md §4.5.
func (s *Scheduler) startable(spec *model.TaskSpec) bool {
	for _, dep := range spec.Requires {
		depStatus := s.status[dep]
		depSpec := depStatus.Spec

		switch {
		case depSpec.Action == model.ActionEnsure:
			if depStatus.State != model.StateCompleted {
				return false
			}
		case depSpec.Healthcheck != nil:
			if depStatus.State != model.StateHealthy {
				return false
			}
		default:
			if depStatus.State != model.StateRunning && depStatus.State != model.StateHealthy {
				return false
			}
		}
	}
	return true
}

// MarkSpawned records that a TaskInstance was created for name (Starting ->
// Running) with the given pid.
func (s *Scheduler) MarkSpawned(name string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[name]
	st.State = model.StateRunning
	st.PID = pid
	st.LastExitCode = nil
	st.LastSignal = ""
}

// MarkSpawnFailed records a spawn error (spec.md §4.7 "A spawn error ...
// task transitions to Failed{exit_code=-1}"). Dependents are only told the
// block is permanent when name is an Ensure task, per §4.5; a Run task's
// spawn failure propagates with transient wording since a later `r` restart
// may still bring it up (no autorestart is scheduled after a spawn failure).
func (s *Scheduler) MarkSpawnFailed(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failCode := -1
	st := s.status[name]
	st.State = model.StateFailed
	st.PID = 0
	st.LastExitCode = &failCode

	s.statusf(name, "spawn failed: %v", err)
	if st.Spec.Action == model.ActionEnsure {
		s.propagateFailure(name)
	} else {
		s.propagateTransientFailure(name)
	}
}

// MarkHealthy records a successful healthcheck probe (Running -> Healthy).
func (s *Scheduler) MarkHealthy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[name]
	if st.State == model.StateRunning {
		st.State = model.StateHealthy
	}
}

// ExitOutcome is what an exit watcher observed, passed to MarkExited.
type ExitOutcome struct {
	ExitCode *int
	Signal   string
}

// MarkExited applies spec.md §4.7/§4.5's exit-classification rules for a
// task instance that just joined. now is threaded in explicitly (rather than
// calling time.Now here) so tests can control cooldown scheduling
// deterministically.
//
// Returns restartAt, non-zero only when the task should be re-admitted after
// a cooldown (an autorestart Run task that exited nonzero or by signal): the
// caller arranges for a StartNextTask event to fire no earlier than restartAt.
func (s *Scheduler) MarkExited(name string, outcome ExitOutcome, now time.Time) (restartAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[name]
	spec := st.Spec
	st.PID = 0
	st.LastExitCode = outcome.ExitCode
	st.LastSignal = outcome.Signal

	failed := outcome.Signal != "" || (outcome.ExitCode != nil && *outcome.ExitCode != 0)

	switch {
	case spec.Action == model.ActionEnsure:
		if failed {
			st.State = model.StateFailed
			s.propagateFailure(name)
		} else {
			st.State = model.StateCompleted
		}
		return time.Time{}

	case failed:
		st.State = model.StateFailed
		// A Run task's failure is never "permanent" in the §4.5 sense: only
		// a failed Ensure dependency blocks dependents for the rest of the
		// session. A Run task may still recover via autorestart, so its
		// dependents are told transiently.
		s.propagateTransientFailure(name)
		if spec.Autorestart {
			return s.scheduleRestart(name, now)
		}
		return time.Time{}

	case spec.Autorestart:
		// Clean exit: spec.md §4.3 "Autorestart contract" reverts the task
		// to NotStarted unconditionally, no cooldown — only a failing
		// autorestart (above) risks a tight respawn loop.
		st.State = model.StateNotStarted
		s.statusf(name, "exited cleanly, restarting")
		return time.Time{}

	default:
		st.State = model.StateExited
		return time.Time{}
	}
}

// ForceRestart reverts name to NotStarted unconditionally, with no failure
// classification or dependent propagation. Used for a user-initiated restart
// (`r` key binding), where the escalator's termination of the current
// instance is intentional and must not read as a crash (spec.md REDESIGN
// FLAGS: "r" also serves as "start this task now").
func (s *Scheduler) ForceRestart(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[name]
	st.State = model.StateNotStarted
	st.PID = 0
	st.LastExitCode = nil
	st.LastSignal = ""
}

func (s *Scheduler) scheduleRestart(name string, now time.Time) time.Time {
	at := now.Add(RestartCooldown)
	s.cooldown.schedule(name, at)
	return at
}

// DueRestarts returns every autorestart task whose cooldown elapsed at or
// before now, reverting each to NotStarted so the next Admit() call considers
// it. Called from the event loop's Tick handler (spec.md §4.7).
func (s *Scheduler) DueRestarts(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.cooldown.due(now)
	for _, name := range due {
		st := s.status[name]
		if st.State == model.StateFailed {
			st.State = model.StateNotStarted
		}
	}
	return due
}

// BeginShutdown marks every task that currently holds a pid as
// ShuttingDown; the event loop uses this to know which tasks still need an
// escalator invocation.
func (s *Scheduler) BeginShutdown() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []string
	for _, name := range s.order {
		st := s.status[name]
		if st.State.HasPID() {
			st.State = model.StateShuttingDown
			live = append(live, name)
		}
	}
	return live
}

// propagateFailure appends a Status record to every transitive dependent of
// a failed Ensure task, once each, per spec.md §4.5 ("If any Ensure
// dependency transitions to Failed, dependents are marked NotStarted
// permanently for this session and a status record is appended to each").
// The NotStarted part requires no extra bookkeeping: startable() will never
// again see the ancestor Completed, so Admit() simply never advances these
// tasks past NotStarted.
func (s *Scheduler) propagateFailure(name string) {
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range s.dependents[cur] {
			if s.notified[dep] {
				continue
			}
			s.notified[dep] = true
			s.statusf(dep, "blocked permanently: dependency %q failed", name)
			walk(dep)
		}
	}
	walk(name)
}

// propagateTransientFailure appends a Status record to every transitive
// dependent of a Run task that failed (spawn error or nonzero exit/signal).
// Unlike propagateFailure it carries no "permanently" wording and does not
// consult/set s.notified: a Run task's dependents may become startable again
// the moment it reaches Running/Healthy (autorestart, or a later `r`), so a
// repeat failure deserves its own fresh notice rather than being suppressed
// by an earlier one.
func (s *Scheduler) propagateTransientFailure(name string) {
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range s.dependents[cur] {
			s.statusf(dep, "blocked: dependency %q failed", name)
			walk(dep)
		}
	}
	walk(name)
}

func (s *Scheduler) statusf(task, format string, args ...any) {
	if buf := s.buffers[task]; buf != nil {
		buf.Statusf(format, args...)
	}
	s.log.Info(fmt.Sprintf(format, args...), zap.String("task", task))
}
