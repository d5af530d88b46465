// Package eventloop implements the Event Loop of spec.md §4.7: the single
// consumer of a multi-producer event queue, and the sole owner of the
// scheduler, panel set, and application state machine. Grounded on the
// single-channel fan-in pattern in
// other_examples/82879b7d_docker-compose__supervisor-supervisor.go.go
// (Supervisor.tasks chan Task, drained by one goroutine calling
// handleTask), combined with the teacher's
// process_manager2.go mainloop style of reacting to named signal channels
// rather than polling.
package eventloop

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/escalator"
	"github.com/rote-mux/rote/internal/healthcheck"
	"github.com/rote-mux/rote/internal/instance"
	"github.com/rote-mux/rote/internal/model"
	"github.com/rote-mux/rote/internal/panel"
	"github.com/rote-mux/rote/internal/scheduler"
)

// TickInterval is the periodic liveness-reconciliation period (spec.md §4.7,
// §5: "the periodic liveness tick is 250 ms").
const TickInterval = 250 * time.Millisecond

// AppState is the application-level state machine spec.md §4.7 describes.
type AppState int

const (
	StateStarting AppState = iota
	StateRunning
	StateShuttingDown
)

// KeyBinding is the renderer-independent meaning of one keypress, resolved
// by the renderer's dispatch table and delivered here as a plain enum so
// this package stays decoupled from any terminal library (spec.md §6 "Key
// bindings").
type KeyBinding int

const (
	KeyQuit KeyBinding = iota
	KeyRestartCurrent
	KeyToggleStdout
	KeyToggleStderr
	KeyJumpStatus
	KeySelectPanel // Arg carries the 1-9 index
	KeyPrevPanel
	KeyNextPanel
	KeyScrollUp
	KeyScrollDown
	KeyPageUp
	KeyPageDown
)

// Key is a Key(event) on the shared queue (spec.md §4.7).
type Key struct {
	Binding KeyBinding
	Arg     int
}

// ProberFactory builds a healthcheck.Prober for a task's configured healthcheck;
// supplied by the caller (cmd/rote) so this package does not depend on
// internal/healthcheck/probe directly (that package only resolves "tool"
// probes; shell probes are resolved by internal/healthcheck itself).
type ProberFactory func(spec *model.TaskSpec) (healthcheck.Prober, error)

// Loop is the Event Loop. One Loop instance supervises one run of the
// supervisor from Starting through ShutdownComplete.
type Loop struct {
	log     *zap.Logger
	sched   *scheduler.Scheduler
	panels  *panel.Set
	specs   map[string]*model.TaskSpec
	buffers map[string]*buffer.Buffer
	prober  ProberFactory

	events chan any // carries instance.OutputEvent, instance.ExitedEvent, healthcheck.HealthyEvent, Key, tick{}, startNextTask{}, shutdownRequested{}, shutdownComplete{}

	state      AppState
	currentMu  sync.RWMutex
	current    string // name of the panel currently focused by the UI; guarded by currentMu since the renderer polls it from its own goroutine
	live       map[string]*instance.Instance
	healthCtx  map[string]context.CancelFunc
	restarting map[string]bool // task names mid user-initiated restart
	wg         *errgroup.Group

	shutdownOnce sync.Once
	done         chan struct{}
}

type tick struct{}
type startNextTask struct{}
type shutdownRequested struct{}
type shutdownComplete struct{}

// New constructs a Loop ready to Run. specs must be in panel index order;
// buffers supplies one Buffer per task name,
// shared with the panel set the caller already built from the same specs.
func New(log *zap.Logger, specs []*model.TaskSpec, sched *scheduler.Scheduler, panels *panel.Set, buffers map[string]*buffer.Buffer, prober ProberFactory) *Loop {
	specByName := make(map[string]*model.TaskSpec, len(specs))
	for _, s := range specs {
		specByName[s.Name] = s
	}

	return &Loop{
		log:        log.Named("eventloop"),
		sched:      sched,
		panels:     panels,
		specs:      specByName,
		buffers:    buffers,
		prober:     prober,
		events:     make(chan any, 256),
		state:      StateStarting,
		live:       make(map[string]*instance.Instance),
		healthCtx:  make(map[string]context.CancelFunc),
		restarting: make(map[string]bool),
		wg:         &errgroup.Group{},
		done:       make(chan struct{}),
	}
}

// PostKey enqueues a keyboard event; called by the keyboard worker.
func (l *Loop) PostKey(k Key) {
	select {
	case l.events <- k:
	case <-l.done:
	}
}

// RequestShutdown enqueues a shutdown request; called on `q` or SIGINT.
func (l *Loop) RequestShutdown() {
	l.shutdownOnce.Do(func() {
		select {
		case l.events <- shutdownRequested{}:
		case <-l.done:
		}
	})
}

// Done is closed once ShutdownComplete has been processed.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Status returns one task's current runtime status, for the renderer's
// StatusView and for tests.
func (l *Loop) Status(name string) model.TaskStatus { return l.sched.Status(name) }

// Current returns the name of the panel currently focused by the UI, or ""
// for the status view (spec.md §6 "status sits before panel 1"). Safe to
// call concurrently with Run: the renderer polls this from its own
// goroutine, so the field is read under currentMu.
func (l *Loop) Current() string {
	l.currentMu.RLock()
	defer l.currentMu.RUnlock()
	return l.current
}

// Run is the event loop itself. It owns panels/scheduler/state exclusively
// (spec.md §5 "Shared-resource policy") and must be called from a single
// goroutine. ctx cancellation is treated like a shutdown request, so SIGINT
// delivered to the whole process can drive the same path as `q`.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				select {
				case l.events <- tick{}:
				case <-l.done:
					return
				}
			case <-l.done:
				return
			}
		}
	}()

	l.events <- startNextTask{}
	l.state = StateRunning

	for {
		select {
		case <-ctx.Done():
			l.beginShutdown()
		case ev := <-l.events:
			if _, ok := ev.(shutdownComplete); ok {
				close(l.done)
				return
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case Key:
		l.handleKey(e)
	case instance.OutputEvent:
		// Output already landed in the buffer (the drainer pushes it
		// directly); the event's only remaining job here is to let a
		// future renderer know a repaint is due. Nothing to mutate.
		_ = e
	case instance.ExitedEvent:
		l.handleExited(e)
	case healthcheck.HealthyEvent:
		l.handleHealthy(e)
	case tick:
		l.handleTick()
	case startNextTask:
		l.admit(ctx)
	case shutdownRequested:
		l.beginShutdown()
	}
}

func (l *Loop) handleKey(k Key) {
	if l.state == StateShuttingDown {
		return // "During shutdown all bindings are inert" (spec.md §6)
	}
	switch k.Binding {
	case KeyQuit:
		l.beginShutdown()
	case KeyRestartCurrent:
		l.restart(l.getCurrent())
	case KeyToggleStdout:
		if p := l.panels.Panel(l.getCurrent()); p != nil {
			p.ToggleStdout()
		}
	case KeyToggleStderr:
		if p := l.panels.Panel(l.getCurrent()); p != nil {
			p.ToggleStderr()
		}
	case KeyJumpStatus:
		l.setCurrent("")
	case KeySelectPanel:
		if p := l.panels.ByIndex(k.Arg); p != nil {
			l.setCurrent(p.Name)
		}
	case KeyPrevPanel, KeyNextPanel:
		l.cyclePanel(k.Binding == KeyNextPanel)
	case KeyScrollUp:
		l.scrollCurrent(1)
	case KeyScrollDown:
		l.scrollCurrent(-1)
	case KeyPageUp:
		l.scrollCurrent(20)
	case KeyPageDown:
		l.scrollCurrent(-20)
	}
}

func (l *Loop) getCurrent() string {
	l.currentMu.RLock()
	defer l.currentMu.RUnlock()
	return l.current
}

func (l *Loop) setCurrent(name string) {
	l.currentMu.Lock()
	l.current = name
	l.currentMu.Unlock()
}

func (l *Loop) scrollCurrent(delta int) {
	if p := l.panels.Panel(l.getCurrent()); p != nil {
		p.Scroll(delta)
	}
}

// cyclePanel moves focus to the next/previous panel, with the status view
// (represented by current == "") sitting before panel 1 (spec.md §6).
func (l *Loop) cyclePanel(forward bool) {
	names := l.panels.Names()
	if len(names) == 0 {
		return
	}
	current := l.getCurrent()
	idx := -1 // "" (status) is conceptually index -1
	for i, n := range names {
		if n == current {
			idx = i
			break
		}
	}
	if forward {
		idx++
	} else {
		idx--
	}
	if idx < -1 {
		idx = len(names) - 1
	}
	if idx >= len(names) {
		idx = -1
	}
	if idx == -1 {
		l.setCurrent("")
		return
	}
	l.setCurrent(names[idx])
}

// admit runs one admission pass and spawns a TaskInstance for every
// newly-Starting task (spec.md §4.5).
func (l *Loop) admit(ctx context.Context) {
	if l.state == StateShuttingDown {
		return
	}
	for _, spec := range l.sched.Admit() {
		l.spawn(ctx, spec)
	}
}

func (l *Loop) spawn(ctx context.Context, spec *model.TaskSpec) {
	buf := l.buffers[spec.Name]
	inst, err := instance.Spawn(ctx, l.log, spec, l.events, buf)
	if err != nil {
		l.sched.MarkSpawnFailed(spec.Name, err)
		l.autoSwitchFromTerminal(spec.Name)
		l.events <- startNextTask{}
		return
	}

	l.live[spec.Name] = inst
	l.sched.MarkSpawned(spec.Name, inst.PID())

	if spec.Healthcheck != nil {
		l.startHealthcheck(spec)
	} else {
		// No healthcheck: dependents keyed on "Running" are already
		// satisfiable, but dependencies elsewhere may have been waiting
		// on this spawn.
		l.events <- startNextTask{}
	}
}

func (l *Loop) startHealthcheck(spec *model.TaskSpec) {
	prober, err := l.prober(spec)
	if err != nil {
		l.buffers[spec.Name].Statusf("healthcheck misconfigured: %v", err)
		return
	}

	healthEvents := make(chan healthcheck.HealthyEvent, 1)
	hctx, cancel := context.WithCancel(context.Background())
	l.healthCtx[spec.Name] = cancel

	worker := healthcheck.New(l.log, spec.Name, prober, spec.Healthcheck.Interval, healthEvents)
	go worker.Run(hctx)
	go func() {
		select {
		case ev, ok := <-healthEvents:
			if ok {
				select {
				case l.events <- ev:
				case <-l.done:
				}
			}
		case <-hctx.Done():
		}
	}()
}

// processAlive reports whether pid still refers to a live OS process,
// via gopsutil/v3/process (shirou/gopsutil) rather than escalator.Alive's
// signal-0 probe.
func processAlive(pid int) bool {
	running, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return running
}

func (l *Loop) stopHealthcheck(task string) {
	if cancel, ok := l.healthCtx[task]; ok {
		cancel()
		delete(l.healthCtx, task)
	}
}

func (l *Loop) handleHealthy(e healthcheck.HealthyEvent) {
	l.stopHealthcheck(e.Task)
	l.sched.MarkHealthy(e.Task)
	l.events <- startNextTask{}
}

func (l *Loop) handleExited(e instance.ExitedEvent) {
	l.stopHealthcheck(e.Task)
	delete(l.live, e.Task)

	if l.state == StateShuttingDown {
		return
	}

	if l.restarting[e.Task] {
		delete(l.restarting, e.Task)
		l.sched.ForceRestart(e.Task)
		l.events <- startNextTask{}
		return
	}

	restartAt := l.sched.MarkExited(e.Task, scheduler.ExitOutcome{ExitCode: e.ExitCode, Signal: e.Signal}, time.Now())
	l.autoSwitchFromTerminal(e.Task)
	if restartAt.IsZero() {
		l.events <- startNextTask{}
		return
	}
	go func(at time.Time) {
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-l.done:
			return
		}
		select {
		case l.events <- startNextTask{}:
		case <-l.done:
		}
	}(restartAt)
}

// autoSwitchFromTerminal implements spec.md §4.4 "Auto-switching": once task
// has settled into a terminal state (Completed/Failed/Exited) and was the
// focused panel, focus returns to Status and a status record is appended to
// the panel being vacated.
func (l *Loop) autoSwitchFromTerminal(task string) {
	if l.getCurrent() != task {
		return
	}
	st := l.sched.Status(task)
	if !st.State.Terminal() {
		return
	}
	if p := l.panels.Panel(task); p != nil {
		p.Buffer.Statusf("switched to status because %s %s", task, strings.ToLower(st.State.String()))
	}
	l.setCurrent("")
}

// handleTick performs spec.md §4.7's liveness reconciliation: verify every
// Running/Healthy pid is still alive, and fire any due autorestart cooldowns.
// Per spec, the scheduler must never act on Tick alone for anything beyond
// this: a vanished pid with no Exited event yet is ignored here, since the
// exit watcher will deliver the authoritative event. Liveness uses
// gopsutil's PidExists, which checks only that some process holds the pid;
// a pid recycled by the OS into an unrelated process still reads as alive.
func (l *Loop) handleTick() {
	for name, inst := range l.live {
		if !processAlive(inst.PID()) {
			l.log.Debug("tick observed vanished pid awaiting exit watcher", zap.String("task", name))
		}
	}

	due := l.sched.DueRestarts(time.Now())
	if len(due) > 0 {
		l.events <- startNextTask{}
	}
}

// restart implements spec.md "S6 - Restart semantics": terminate the
// current instance (if any) and, once it has joined, spawn a fresh one.
func (l *Loop) restart(task string) {
	if task == "" {
		return
	}
	spec, ok := l.specs[task]
	if !ok || spec.Action != model.ActionRun {
		return
	}

	if p := l.panels.Panel(task); p != nil {
		p.Buffer.Statusf("restarted")
		p.ResetScroll()
	}

	inst, running := l.live[task]
	if !running {
		l.sched.ForceRestart(task)
		l.events <- startNextTask{}
		return
	}

	l.stopHealthcheck(task)
	l.restarting[task] = true
	go func() {
		// Terminate blocks until the instance is reaped; its own exit
		// watcher then delivers ExitedEvent, and handleExited (seeing
		// restarting[task]) re-admits it instead of treating the
		// escalator's signal as a crash. The Restart contract (spec.md
		// §4.3: "honoured only after all three workers have finished")
		// is satisfied because Terminate does not return until Done().
		escalator.Terminate(inst.PID(), inst)
	}()
}

// beginShutdown implements spec.md §4.7 "ShuttingDown": the escalator is
// invoked concurrently against every task still holding a pid, via
// errgroup.Group so a single Wait() tells us when every one of them has
// joined (spec.md §5 "Cancellation ... every worker has a bounded time to
// return"). Once Wait returns, ShutdownComplete is enqueued.
func (l *Loop) beginShutdown() {
	if l.state == StateShuttingDown {
		return
	}
	l.state = StateShuttingDown

	for _, task := range l.sched.BeginShutdown() {
		l.stopHealthcheck(task)
		inst, ok := l.live[task]
		if !ok {
			continue
		}
		inst := inst
		l.wg.Go(func() error {
			escalator.Terminate(inst.PID(), inst)
			return nil
		})
	}

	wg := l.wg
	go func() {
		_ = wg.Wait()
		l.events <- shutdownComplete{}
	}()
}
