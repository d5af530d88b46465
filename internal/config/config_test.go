package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rote-mux/rote/internal/model"
)

func parse(t *testing.T, doc string) (*File, error) {
	t.Helper()
	var raw rawFile
	require.NoError(t, yaml.Unmarshal([]byte(doc), &raw))
	return build(raw, "/cfg")
}

func TestBuild_ValidConfigResolvesCwdAndDisplay(t *testing.T) {
	f, err := parse(t, `
default: app
tasks:
  app:
    run: "./server"
    cwd: "relative/dir"
    display: ["stdout"]
    autorestart: true
    healthcheck:
      tool: "is-port-open 8080"
      interval: 1.5
`)
	require.NoError(t, err)

	app := f.Specs["app"]
	assert.Equal(t, "/cfg/relative/dir", app.Cwd)
	assert.Equal(t, model.DisplayStdoutOnly, app.Display)
	assert.True(t, app.Autorestart)
	require.NotNil(t, app.Healthcheck)
	assert.Equal(t, "is-port-open 8080", app.Healthcheck.Tool)
}

func TestBuild_RejectsBothRunAndEnsure(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    run: "x"
    ensure: "y"
`)
	requireConfigError(t, err, "exactly one of run/ensure")
}

func TestBuild_RejectsNeitherRunNorEnsure(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    cwd: "."
`)
	requireConfigError(t, err, "exactly one of run/ensure")
}

func TestBuild_RejectsAutorestartOnEnsure(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    ensure: "x"
    autorestart: true
`)
	requireConfigError(t, err, "not legal on ensure")
}

func TestBuild_RejectsHealthcheckOnEnsure(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    ensure: "x"
    healthcheck:
      tool: "is-port-open 80"
      interval: 1
`)
	requireConfigError(t, err, "only legal on run")
}

func TestBuild_RejectsHealthcheckWithBothCmdAndTool(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    run: "x"
    healthcheck:
      cmd: "curl -f localhost"
      tool: "is-port-open 80"
      interval: 1
`)
	requireConfigError(t, err, "exactly one of cmd/tool")
}

func TestBuild_RejectsIntervalBelowMinimum(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    run: "x"
    healthcheck:
      tool: "is-port-open 80"
      interval: 0.001
`)
	requireConfigError(t, err, "below minimum")
}

func TestBuild_RejectsUndefinedRequire(t *testing.T) {
	_, err := parse(t, `
tasks:
  app:
    run: "x"
    require: ["ghost"]
`)
	requireConfigError(t, err, "undefined task")
}

func TestBuild_RejectsUnknownDefault(t *testing.T) {
	_, err := parse(t, `
default: ghost
tasks:
  app:
    run: "x"
`)
	requireConfigError(t, err, "not defined")
}

func requireConfigError(t *testing.T, err error, contains string) {
	t.Helper()
	require.Error(t, err)
	var taskErr *model.Error
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.ErrConfig, taskErr.Kind)
	assert.Contains(t, err.Error(), contains)
}
