package instance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/model"
)

func TestSpawn_CapturesInterleavedOutputAndExit(t *testing.T) {
	events := make(chan any, 64)
	var buf buffer.Buffer

	spec := &model.TaskSpec{
		Name:    "greet",
		Command: "echo out-line; echo err-line 1>&2; exit 3",
	}

	inst, err := Spawn(context.Background(), zap.NewNop(), spec, events, &buf)
	require.NoError(t, err)

	select {
	case <-inst.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not exit in time")
	}

	result := inst.Result()
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)

	lines := buf.Lines(buffer.FilterBoth)
	assert.Contains(t, lines, "out-line")
	assert.Contains(t, lines, "err-line")

	var sawExit bool
drain:
	for {
		select {
		case ev := <-events:
			if exited, ok := ev.(ExitedEvent); ok {
				sawExit = true
				assert.Equal(t, "greet", exited.Task)
				assert.Equal(t, 3, *exited.ExitCode)
			}
		default:
			break drain
		}
	}
	assert.True(t, sawExit, "expected an ExitedEvent on the queue")
}

func TestSpawn_SignaledExitReportsSignalNotCode(t *testing.T) {
	events := make(chan any, 64)
	var buf buffer.Buffer

	spec := &model.TaskSpec{
		Name:    "selfkill",
		Command: "kill -TERM $$; sleep 5",
	}

	inst, err := Spawn(context.Background(), zap.NewNop(), spec, events, &buf)
	require.NoError(t, err)

	select {
	case <-inst.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not exit in time")
	}

	result := inst.Result()
	assert.Nil(t, result.ExitCode)
	assert.NotEmpty(t, result.Signal)
}

func TestSpawn_InvalidCwdReturnsSpawnError(t *testing.T) {
	events := make(chan any, 1)
	var buf buffer.Buffer

	spec := &model.TaskSpec{
		Name:    "bad-cwd",
		Command: "true",
		Cwd:     "/nonexistent/path/that/should/not/exist",
	}

	_, err := Spawn(context.Background(), zap.NewNop(), spec, events, &buf)
	require.Error(t, err)

	var taskErr *model.Error
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.ErrSpawn, taskErr.Kind)
}
