// Package instance implements the Task Instance of spec.md §4.3: one running
// child process, its two stream drainers, and its exit watcher. Grounded on
// the teacher's process type (internal/infrastructure/processmgr/process.go)
// for pipe setup, process-group isolation, and the drainer/watcher shape;
// generalized from the teacher's single untagged log buffer and
// readiness-marker protocol to spec.md's tagged MessageBuffer and
// healthcheck-driven readiness (the teacher's stdout-readiness-string
// convention has no analog here — readiness is the Healthcheck Driver's job).
package instance

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/escalator"
	"github.com/rote-mux/rote/internal/model"
)

// OutputEvent and ExitedEvent are emitted onto the shared event-loop queue by
// an instance's workers (spec.md §4.7). The queue is typed chan<- any (the
// event loop multiplexes Key, healthcheck.HealthyEvent, and these instance
// events on one channel), so this package stays decoupled from
// internal/eventloop without needing its own Event interface: the event loop
// type-switches on the concrete payload (spec.md §9: the event loop owns the
// mapping, not the instance).
type OutputEvent struct {
	Task string
	Tag  buffer.Tag // Stdout or Stderr
	Line string
}

type ExitedEvent struct {
	Task       string
	InstanceID string
	ExitCode   *int
	Signal     string
}

// Instance owns one spawned child for the duration of its lifetime: the
// child handle, its two drainer goroutines, and its exit watcher goroutine.
// A restart never reuses an Instance; the event loop/scheduler creates a new
// one only after the previous one's workers have all joined (spec.md §4.3
// "Restart contract").
type Instance struct {
	ID   string
	Task string
	log  *zap.Logger

	cmd *exec.Cmd
	pid int

	events chan<- any
	buf    *buffer.Buffer

	done      chan struct{}
	closeOnce sync.Once
	result    model.TaskStatus // only ExitCode/LastSignal populated

	mu sync.Mutex
}

// Spawn starts /bin/sh -c <command> (or the platform shell) with cwd, env,
// and two captured pipes, then launches its drainers and exit watcher. stdin
// is not connected to the terminal (spec.md §4.3). Returns a *model.Error of
// kind ErrSpawn on failure; the caller (scheduler) downgrades the task to
// Failed per spec.md §7.
func Spawn(ctx context.Context, log *zap.Logger, spec *model.TaskSpec, events chan<- any, buf *buffer.Buffer) (*Instance, error) {
	shell, flag := shellInvocation()
	cmd := exec.Command(shell, flag, spec.Command)
	cmd.Dir = spec.Cwd
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, model.NewError(model.ErrSpawn, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, model.NewError(model.ErrSpawn, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, model.NewError(model.ErrSpawn, fmt.Sprintf("launching %q", spec.Command), err)
	}

	inst := &Instance{
		ID:     uuid.NewString(),
		Task:   spec.Name,
		log:    log.Named("instance").With(zap.String("task", spec.Name)),
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		events: events,
		buf:    buf,
		done:   make(chan struct{}),
	}

	inst.log.Info("process started", zap.Int("pid", inst.pid))

	go inst.drain(stdout, buffer.Stdout, spec.Timestamps)
	go inst.drain(stderr, buffer.Stderr, spec.Timestamps)
	go inst.watch()

	return inst, nil
}

func shellInvocation() (shell, flag string) {
	return "/bin/sh", "-c"
}

// PID returns the OS process id of the supervised child.
func (inst *Instance) PID() int { return inst.pid }

// Done returns a channel closed once the child has been reaped, satisfying
// escalator.Waiter.
func (inst *Instance) Done() <-chan struct{} { return inst.done }

// Result returns the exit outcome; valid only after Done() closes.
func (inst *Instance) Result() escalator.Outcome {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.result.LastSignal != "" {
		return escalator.Outcome{Signal: inst.result.LastSignal}
	}
	return escalator.Outcome{ExitCode: inst.result.LastExitCode}
}

// drain reads complete lines from one stream pipe and emits OutputEvent
// until EOF, per spec.md §4.3 drainer contract. Drainer errors are logged
// and the drainer terminates; the task continues (spec.md §7 "Io" policy).
func (inst *Instance) drain(r io.ReadCloser, tag buffer.Tag, timestamps bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		var ts *time.Time
		if timestamps {
			now := time.Now()
			ts = &now
		}
		inst.buf.Push(tag, line, ts)
		select {
		case inst.events <- OutputEvent{Task: inst.Task, Tag: tag, Line: line}:
		case <-inst.done:
		}
	}
	if err := sc.Err(); err != nil {
		inst.buf.Statusf("output stream %s lost: %v", tag, err)
		inst.log.Warn("drainer scanner failure", zap.String("stream", tag.String()), zap.Error(err))
	}
}

// watch waits for the child to be reaped exactly once, records the exit
// outcome, and emits ExitedEvent (spec.md §4.3 exit watcher).
func (inst *Instance) watch() {
	err := inst.cmd.Wait()

	inst.mu.Lock()
	var exitCode *int
	var sig string
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig = ws.Signal().String()
			} else {
				code := exitErr.ExitCode()
				exitCode = &code
			}
		} else {
			code := -1
			exitCode = &code
		}
	} else {
		code := 0
		exitCode = &code
	}
	inst.result = model.TaskStatus{LastExitCode: exitCode, LastSignal: sig}
	inst.mu.Unlock()

	inst.closeOnce.Do(func() { close(inst.done) })

	inst.log.Info("process exited", zap.Intp("exit_code", exitCode), zap.String("signal", sig))

	// Best-effort delivery: if the event loop has already torn down its
	// queue (final shutdown join), callers observe completion via Done()
	// directly instead, so this send is allowed to lose the race.
	select {
	case inst.events <- ExitedEvent{Task: inst.Task, InstanceID: inst.ID, ExitCode: exitCode, Signal: sig}:
	case <-time.After(time.Second):
	}
}
