// Package config implements the configuration-file collaborator of spec.md
// §6: parsing the YAML task-graph file into validated model.TaskSpecs.
// Grounded on `gopkg.in/yaml.v3` (present transitively in the retrieved
// pack) for decoding and on the teacher's layered-error style
// (internal/redis's sentinel errors, pkg/fmtt's chain walking) for surfacing
// every schema problem as a model.Error of kind Config, matching spec.md §7
// ("Config ... parse, schema, cycle, unknown require, both or neither
// action, healthcheck on ensure, both cmd and tool, invalid interval").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rote-mux/rote/internal/model"
)

// rawHealthcheck mirrors the YAML shape of a TaskSpec's optional healthcheck.
type rawHealthcheck struct {
	Cmd      string  `yaml:"cmd"`
	Tool     string  `yaml:"tool"`
	Interval float64 `yaml:"interval"`
}

// rawTask mirrors the YAML shape of one entry under `tasks:`.
type rawTask struct {
	Run         string          `yaml:"run"`
	Ensure      string          `yaml:"ensure"`
	Cwd         string          `yaml:"cwd"`
	Display     []string        `yaml:"display"`
	Require     []string        `yaml:"require"`
	Autorestart bool            `yaml:"autorestart"`
	Timestamps  bool            `yaml:"timestamps"`
	Healthcheck *rawHealthcheck `yaml:"healthcheck"`
}

// rawFile mirrors the top-level YAML document (spec.md §6).
type rawFile struct {
	Default string             `yaml:"default"`
	Tasks   map[string]rawTask `yaml:"tasks"`
}

// File is the parsed, validated configuration.
type File struct {
	Default string
	Specs   map[string]*model.TaskSpec
	// Order lists the task names in alphabetical order (YAML map order is
	// not kept), used for stable panel indices (spec.md §3 "1:1 task <->
	// panel mapping").
	Order []string
}

// Load reads and validates the YAML config at path. Before parsing, it
// optionally loads a sibling .env file (godotenv, haricheung-agentic-shell's
// convention) into the process environment, so `${VAR}` references inside
// `run`/`ensure` strings, which the task's shell expands, can see
// locally-declared variables; `cwd` is not expanded. This is an ambient
// convenience the spec does not document and never changes the schema itself.
func Load(path string) (*File, error) {
	if env := filepath.Join(filepath.Dir(path), ".env"); fileExists(env) {
		_ = godotenv.Load(env)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewError(model.ErrConfig, fmt.Sprintf("reading %s", path), err)
	}

	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, model.NewError(model.ErrConfig, fmt.Sprintf("parsing %s", path), err)
	}

	return build(raw, filepath.Dir(path))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func build(raw rawFile, baseDir string) (*File, error) {
	if len(raw.Tasks) == 0 {
		return nil, model.NewError(model.ErrConfig, "config defines no tasks", nil)
	}

	names := make([]string, 0, len(raw.Tasks))
	for name := range raw.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make(map[string]*model.TaskSpec, len(raw.Tasks))
	for _, name := range names {
		spec, err := buildSpec(name, raw.Tasks[name], baseDir)
		if err != nil {
			return nil, err
		}
		specs[name] = spec
	}

	for _, name := range names {
		for _, dep := range specs[name].Requires {
			if _, ok := specs[dep]; !ok {
				return nil, model.NewError(model.ErrConfig,
					fmt.Sprintf("task %q requires undefined task %q", name, dep), nil)
			}
		}
	}

	if raw.Default != "" {
		if _, ok := specs[raw.Default]; !ok {
			return nil, model.NewError(model.ErrConfig,
				fmt.Sprintf("default task %q is not defined", raw.Default), nil)
		}
	}

	return &File{Default: raw.Default, Specs: specs, Order: names}, nil
}

func buildSpec(name string, t rawTask, baseDir string) (*model.TaskSpec, error) {
	hasRun := t.Run != ""
	hasEnsure := t.Ensure != ""
	if hasRun == hasEnsure {
		return nil, model.NewError(model.ErrConfig,
			fmt.Sprintf("task %q must set exactly one of run/ensure", name), nil)
	}

	spec := &model.TaskSpec{Name: name, Requires: t.Require}
	if hasRun {
		spec.Action = model.ActionRun
		spec.Command = t.Run
		spec.Autorestart = t.Autorestart
	} else {
		spec.Action = model.ActionEnsure
		spec.Command = t.Ensure
		if t.Autorestart {
			return nil, model.NewError(model.ErrConfig,
				fmt.Sprintf("task %q: autorestart is not legal on ensure", name), nil)
		}
	}

	if t.Cwd != "" {
		if filepath.IsAbs(t.Cwd) {
			spec.Cwd = t.Cwd
		} else {
			spec.Cwd = filepath.Join(baseDir, t.Cwd)
		}
	}

	filter, err := buildDisplay(name, t.Display)
	if err != nil {
		return nil, err
	}
	spec.Display = filter
	spec.Timestamps = t.Timestamps

	if t.Healthcheck != nil {
		if spec.Action != model.ActionRun {
			return nil, model.NewError(model.ErrConfig,
				fmt.Sprintf("task %q: healthcheck is only legal on run", name), nil)
		}
		hc, err := buildHealthcheck(name, t.Healthcheck)
		if err != nil {
			return nil, err
		}
		spec.Healthcheck = hc
	}

	return spec, nil
}

func buildDisplay(name string, display []string) (model.DisplayFilter, error) {
	if len(display) == 0 {
		return model.DisplayBoth, nil
	}
	var stdout, stderr bool
	for _, d := range display {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "stdout":
			stdout = true
		case "stderr":
			stderr = true
		default:
			return 0, model.NewError(model.ErrConfig,
				fmt.Sprintf("task %q: unknown display element %q", name, d), nil)
		}
	}
	switch {
	case stdout && stderr:
		return model.DisplayBoth, nil
	case stdout:
		return model.DisplayStdoutOnly, nil
	case stderr:
		return model.DisplayStderrOnly, nil
	default:
		return model.DisplayNone, nil
	}
}

func buildHealthcheck(name string, raw *rawHealthcheck) (*model.Healthcheck, error) {
	hasCmd := raw.Cmd != ""
	hasTool := raw.Tool != ""
	if hasCmd == hasTool {
		return nil, model.NewError(model.ErrConfig,
			fmt.Sprintf("task %q: healthcheck must set exactly one of cmd/tool", name), nil)
	}
	if raw.Interval <= 0 {
		return nil, model.NewError(model.ErrConfig,
			fmt.Sprintf("task %q: healthcheck interval must be positive", name), nil)
	}
	if raw.Interval < model.MinHealthcheckInterval {
		return nil, model.NewError(model.ErrConfig,
			fmt.Sprintf("task %q: healthcheck interval below minimum of %gs", name, model.MinHealthcheckInterval), nil)
	}

	return &model.Healthcheck{Cmd: raw.Cmd, Tool: raw.Tool, Interval: raw.Interval}, nil
}
