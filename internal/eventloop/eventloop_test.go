package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/healthcheck"
	"github.com/rote-mux/rote/internal/model"
	"github.com/rote-mux/rote/internal/panel"
	"github.com/rote-mux/rote/internal/scheduler"
)

func neverHealthy(*model.TaskSpec) (healthcheck.Prober, error) {
	return nil, nil
}

func buildLoop(t *testing.T, specs []*model.TaskSpec) (*Loop, map[string]*buffer.Buffer) {
	t.Helper()
	specMap := make(map[string]*model.TaskSpec, len(specs))
	buffers := make(map[string]*buffer.Buffer, len(specs))
	for _, s := range specs {
		specMap[s.Name] = s
		buffers[s.Name] = &buffer.Buffer{}
	}

	sched, err := scheduler.New(zap.NewNop(), specMap, buffers)
	require.NoError(t, err)

	panels := panel.New(specs)
	loop := New(zap.NewNop(), specs, sched, panels, buffers, neverHealthy)
	return loop, buffers
}

func TestLoop_RunsDependencyOrderedTasksAndShutsDownCleanly(t *testing.T) {
	specs := []*model.TaskSpec{
		{Name: "migrate", Action: model.ActionEnsure, Command: "true"},
		{Name: "server", Action: model.ActionRun, Command: "sleep 5", Requires: []string{"migrate"}},
	}
	loop, _ := buildLoop(t, specs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	require.Eventually(t, func() bool {
		return loop.Status("migrate").State == model.StateCompleted
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return loop.Status("server").State == model.StateRunning
	}, time.Second, 10*time.Millisecond)

	loop.RequestShutdown()

	select {
	case <-loop.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not reach ShutdownComplete")
	}
}

func TestLoop_FailedEnsurePropagatesToDependents(t *testing.T) {
	specs := []*model.TaskSpec{
		{Name: "missing", Action: model.ActionEnsure, Command: "exit 1"},
		{Name: "app", Action: model.ActionRun, Command: "sleep 5", Requires: []string{"missing"}},
	}
	loop, buffers := buildLoop(t, specs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	require.Eventually(t, func() bool {
		lines := buffers["app"].Lines(buffer.Filter{Status: true})
		return len(lines) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, buffers["app"].Lines(buffer.Filter{Status: true})[0], "missing")

	loop.RequestShutdown()
	select {
	case <-loop.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not reach ShutdownComplete")
	}
}
