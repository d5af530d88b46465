package escalator

import (
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWaiter lets tests drive Terminate's view of child exit without a real
// subprocess: each signal passed to observe is recorded, and observing
// exitOnSig marks the fake child exited.
type fakeWaiter struct {
	mu        sync.Mutex
	done      chan struct{}
	outcome   Outcome
	exitOnSig syscall.Signal // exit as soon as this signal is "observed"
	observed  []syscall.Signal
}

func newFakeWaiter(exitOn syscall.Signal) *fakeWaiter {
	return &fakeWaiter{done: make(chan struct{}), exitOnSig: exitOn}
}

func (f *fakeWaiter) Done() <-chan struct{} { return f.done }
func (f *fakeWaiter) Result() Outcome       { return f.outcome }

func (f *fakeWaiter) observe(sig syscall.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, sig)
	if sig == f.exitOnSig {
		sigName := sig.String()
		f.outcome = Outcome{Signal: sigName}
		close(f.done)
	}
}

// TestTerminate_EscalatesInOrderAndHaltsOnExit spawns a real child that
// ignores SIGINT and SIGTERM (sh traps them as no-ops) and only exits on
// SIGKILL, exercising the real escalation timing against an OS process.
func TestTerminate_EscalatesInOrderAndHaltsOnExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "trap '' INT TERM; sleep 5")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	done := make(chan struct{})
	var outcome Outcome
	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig := ws.Signal().String()
				outcome = Outcome{Signal: sig}
			}
		}
		close(done)
	}()

	w := &realWaiter{done: done, result: func() Outcome { return outcome }}

	start := time.Now()
	got := Terminate(pid, w)
	elapsed := time.Since(start)

	assert.Equal(t, syscall.SIGKILL.String(), got.Signal)
	// two 300ms waits (INT, TERM) must have elapsed before KILL landed.
	assert.GreaterOrEqual(t, elapsed, 2*waitStep)
}

type realWaiter struct {
	done   <-chan struct{}
	result func() Outcome
}

func (r *realWaiter) Done() <-chan struct{} { return r.done }
func (r *realWaiter) Result() Outcome       { return r.result() }

func TestTerminate_ReturnsImmediatelyIfAlreadyExited(t *testing.T) {
	w := newFakeWaiter(syscall.SIGINT)
	w.observe(syscall.SIGINT) // pretend it already died before Terminate ran

	start := time.Now()
	got := Terminate(1, w)
	elapsed := time.Since(start)

	assert.Equal(t, syscall.SIGINT.String(), got.Signal)
	assert.Less(t, elapsed, waitStep)
}
