package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/model"
)

func specMap(specs ...*model.TaskSpec) map[string]*model.TaskSpec {
	out := make(map[string]*model.TaskSpec, len(specs))
	for _, s := range specs {
		out[s.Name] = s
	}
	return out
}

func buffersFor(specs map[string]*model.TaskSpec) map[string]*buffer.Buffer {
	out := make(map[string]*buffer.Buffer, len(specs))
	for name := range specs {
		out[name] = &buffer.Buffer{}
	}
	return out
}

func TestNew_DetectsMissingRequire(t *testing.T) {
	specs := specMap(&model.TaskSpec{Name: "app", Action: model.ActionRun, Requires: []string{"db"}})

	_, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.Error(t, err)

	var taskErr *model.Error
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.ErrConfig, taskErr.Kind)
}

func TestNew_DetectsCycle(t *testing.T) {
	specs := specMap(
		&model.TaskSpec{Name: "a", Action: model.ActionRun, Requires: []string{"b"}},
		&model.TaskSpec{Name: "b", Action: model.ActionRun, Requires: []string{"a"}},
	)

	_, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestAdmit_AlphabeticalTieBreakAmongSimultaneouslyStartable(t *testing.T) {
	specs := specMap(
		&model.TaskSpec{Name: "zebra", Action: model.ActionRun},
		&model.TaskSpec{Name: "apple", Action: model.ActionRun},
		&model.TaskSpec{Name: "mango", Action: model.ActionRun},
	)
	sched, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.NoError(t, err)

	toStart := sched.Admit()
	require.Len(t, toStart, 3)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, []string{toStart[0].Name, toStart[1].Name, toStart[2].Name})
}

func TestAdmit_EnsureDependencyGatesOnCompletedNotMerelyExited(t *testing.T) {
	specs := specMap(
		&model.TaskSpec{Name: "migrate", Action: model.ActionEnsure},
		&model.TaskSpec{Name: "app", Action: model.ActionRun, Requires: []string{"migrate"}},
	)
	sched, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.NoError(t, err)

	toStart := sched.Admit()
	require.Len(t, toStart, 1)
	assert.Equal(t, "migrate", toStart[0].Name)

	assert.Empty(t, sched.Admit(), "app must not start before migrate completes")

	code0 := 0
	sched.MarkSpawned("migrate", 111)
	sched.MarkExited("migrate", ExitOutcome{ExitCode: &code0}, time.Now())
	assert.Equal(t, model.StateCompleted, sched.Status("migrate").State)

	toStart = sched.Admit()
	require.Len(t, toStart, 1)
	assert.Equal(t, "app", toStart[0].Name)
}

func TestAdmit_RunWithHealthcheckGatesOnHealthyNotMerelyRunning(t *testing.T) {
	specs := specMap(
		&model.TaskSpec{Name: "db", Action: model.ActionRun, Healthcheck: &model.Healthcheck{Tool: "is-port-open", Interval: 0.1}},
		&model.TaskSpec{Name: "app", Action: model.ActionRun, Requires: []string{"db"}},
	)
	sched, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.NoError(t, err)

	toStart := sched.Admit()
	require.Len(t, toStart, 1)
	assert.Equal(t, "db", toStart[0].Name)

	sched.MarkSpawned("db", 222)
	assert.Empty(t, sched.Admit(), "app must wait for db's healthcheck, not just its spawn")

	sched.MarkHealthy("db")
	toStart = sched.Admit()
	require.Len(t, toStart, 1)
	assert.Equal(t, "app", toStart[0].Name)
}

func TestAdmit_RunWithoutHealthcheckGatesOnSpawnAlone(t *testing.T) {
	specs := specMap(
		&model.TaskSpec{Name: "proxy", Action: model.ActionRun},
		&model.TaskSpec{Name: "app", Action: model.ActionRun, Requires: []string{"proxy"}},
	)
	sched, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.NoError(t, err)

	sched.Admit()
	sched.MarkSpawned("proxy", 333)

	toStart := sched.Admit()
	require.Len(t, toStart, 1)
	assert.Equal(t, "app", toStart[0].Name)
}

func TestMarkExited_FailedEnsurePermanentlyBlocksDependents(t *testing.T) {
	specs := specMap(
		&model.TaskSpec{Name: "migrate", Action: model.ActionEnsure},
		&model.TaskSpec{Name: "app", Action: model.ActionRun, Requires: []string{"migrate"}},
	)
	bufs := buffersFor(specs)
	sched, err := New(zap.NewNop(), specs, bufs)
	require.NoError(t, err)

	sched.Admit()
	sched.MarkSpawned("migrate", 444)
	bad := 1
	sched.MarkExited("migrate", ExitOutcome{ExitCode: &bad}, time.Now())

	assert.Equal(t, model.StateFailed, sched.Status("migrate").State)
	assert.Empty(t, sched.Admit())
	assert.Equal(t, model.StateNotStarted, sched.Status("app").State)
	assert.Contains(t, bufs["app"].Lines(buffer.Filter{Status: true})[0], "migrate")
}

func TestMarkExited_AutorestartReschedulesAfterCooldownOnFailureOnly(t *testing.T) {
	specs := specMap(&model.TaskSpec{Name: "flaky", Action: model.ActionRun, Autorestart: true})
	sched, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.NoError(t, err)

	sched.Admit()
	sched.MarkSpawned("flaky", 555)

	now := time.Now()
	bad := 1
	restartAt := sched.MarkExited("flaky", ExitOutcome{ExitCode: &bad}, now)
	assert.False(t, restartAt.IsZero())
	assert.Equal(t, model.StateFailed, sched.Status("flaky").State)

	assert.Empty(t, sched.DueRestarts(now))
	due := sched.DueRestarts(now.Add(RestartCooldown))
	assert.Equal(t, []string{"flaky"}, due)
	assert.Equal(t, model.StateNotStarted, sched.Status("flaky").State)
}

func TestMarkExited_CleanAutorestartIsImmediate(t *testing.T) {
	specs := specMap(&model.TaskSpec{Name: "tail", Action: model.ActionRun, Autorestart: true})
	sched, err := New(zap.NewNop(), specs, buffersFor(specs))
	require.NoError(t, err)

	sched.Admit()
	sched.MarkSpawned("tail", 666)

	code0 := 0
	restartAt := sched.MarkExited("tail", ExitOutcome{ExitCode: &code0}, time.Now())
	assert.True(t, restartAt.IsZero())
	assert.Equal(t, model.StateNotStarted, sched.Status("tail").State)
}
