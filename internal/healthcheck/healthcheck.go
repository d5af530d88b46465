// Package healthcheck implements the Healthcheck Driver of spec.md §4.6: one
// periodic probe worker per Run task carrying a healthcheck, launched when
// the task enters Running and torn down on success, task exit, or shutdown.
// Grounded on the teacher's superviseProcess retry-timer pattern
// (internal/infrastructure/processmgr/process_manager2.go: a time.Timer
// reset on each failed attempt rather than a ticker, so a slow probe never
// overlaps the next one), adapted from restart supervision to readiness
// polling.
package healthcheck

import (
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/model"
)

// Prober runs one probe attempt and reports success.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ShellProbe runs a shell command and treats exit 0 as success (spec.md §6
// healthcheck "cmd" variant: "shell exit 0 ... is success").
type ShellProbe struct{ Command string }

func (p ShellProbe) Probe(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.Command)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

// HealthyEvent is emitted once, the moment a probe first succeeds.
type HealthyEvent struct{ Task string }

// Worker drives one task's periodic probe until it succeeds, the task is
// torn down, or ctx is cancelled (spec.md §4.6 "also terminates when the
// task exits or is being torn down").
type Worker struct {
	task   string
	prober Prober
	every  time.Duration
	log    *zap.Logger
	events chan<- HealthyEvent
}

// New constructs a healthcheck Worker for task. interval is clamped to
// model.MinHealthcheckInterval (spec.md §5 "implementation may enforce e.g.
// >= 50 ms").
func New(log *zap.Logger, task string, prober Prober, intervalSeconds float64, events chan<- HealthyEvent) *Worker {
	if intervalSeconds < model.MinHealthcheckInterval {
		intervalSeconds = model.MinHealthcheckInterval
	}
	return &Worker{
		task:   task,
		prober: prober,
		every:  time.Duration(intervalSeconds * float64(time.Second)),
		log:    log.Named("healthcheck").With(zap.String("task", task)),
		events: events,
	}
}

// Run blocks probing on Worker's interval until success or cancellation. The
// event loop launches exactly one Run per live healthchecked task (spec.md
// §4.6 "The event loop is responsible for ensuring exactly one healthcheck
// worker exists per live task") and cancels ctx on exit/teardown.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(w.every)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ok, err := w.prober.Probe(ctx)
		if err != nil {
			w.log.Debug("probe attempt errored", zap.Error(err))
		}
		if ok {
			select {
			case w.events <- HealthyEvent{Task: w.task}:
			case <-ctx.Done():
			}
			return
		}

		timer.Reset(w.every)
	}
}
