// Command rote is the terminal-based process supervisor of spec.md: it
// parses a YAML task graph, runs its tasks in dependency order under the
// Event Loop, and renders a multi-panel TUI until shutdown completes.
// Grounded on the cobra root-command wiring pattern shown across the
// retrieved pack (Nehonix-Team-XyPriss's internal/cli/root.go, stripped of
// its access-restriction banner, which has no place in this repo) combined
// with the teacher's cmd/zmux-server main: parse flags, build the
// collaborators, run until a signal, report a process exit code.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/config"
	"github.com/rote-mux/rote/internal/eventloop"
	"github.com/rote-mux/rote/internal/healthcheck"
	"github.com/rote-mux/rote/internal/healthcheck/probe"
	"github.com/rote-mux/rote/internal/model"
	"github.com/rote-mux/rote/internal/panel"
	"github.com/rote-mux/rote/internal/render"
	"github.com/rote-mux/rote/internal/scheduler"
)

var (
	configPath      string
	generateExample bool
)

var rootCmd = &cobra.Command{
	Use:   "rote [task]",
	Short: "rote supervises a graph of dependent tasks in one terminal",
	Long: `rote reads a YAML task graph, starts tasks in dependency order,
and presents their interleaved output through a multi-panel terminal UI.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "rote.yaml", "path to the task-graph config file")
	rootCmd.Flags().BoolVar(&generateExample, "generate-example", false, "print a canonical example config and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("rote: %v", err))
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor implements spec.md §7's process exit-code policy: 0 on clean
// shutdown (the zero value, never reaching here), nonzero for every failure
// class, with config problems given a distinct code from runtime ones.
func exitCodeFor(err error) int {
	var taskErr *model.Error
	if errors.As(err, &taskErr) && taskErr.Kind == model.ErrConfig {
		return 2
	}
	return 1
}

func run(cmd *cobra.Command, args []string) error {
	if generateExample {
		fmt.Print(config.Example)
		return nil
	}

	log, err := zap.NewProduction()
	if err != nil {
		return model.NewError(model.ErrIO, "building logger", err)
	}
	defer log.Sync() //nolint:errcheck

	file, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rootTask := file.Default
	if len(args) > 0 {
		rootTask = args[0]
	}
	if rootTask == "" {
		return model.NewError(model.ErrConfig, "no task given on the command line and no default set in config", nil)
	}
	if _, ok := file.Specs[rootTask]; !ok {
		return model.NewError(model.ErrConfig, fmt.Sprintf("task %q is not defined", rootTask), nil)
	}

	specs := orderedSpecs(file)
	panels := panel.New(specs)
	buffers := bufferSet(panels)

	sched, err := scheduler.New(log, file.Specs, buffers)
	if err != nil {
		return err
	}
	loop := eventloop.New(log, specs, sched, panels, buffers, proberFactory(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go loop.Run(ctx)

	term, err := render.Open()
	if err != nil {
		return err
	}
	go render.KeyboardWorker(os.Stdin, loop)

	renderLoop(loop, panels, term)
	term.Close()

	<-loop.Done()
	render.ShutdownProgress(sched.StatusView())

	return exitStatusFor(sched, rootTask)
}

// exitStatusFor reports an error when the task selected on the command line
// never started or completed, per spec.md §7 ("nonzero ... the selected root
// task failing to start"). A task still running when shutdown began is left
// in ShuttingDown and counts as started.
func exitStatusFor(sched *scheduler.Scheduler, rootTask string) error {
	st := sched.Status(rootTask)
	switch st.State {
	case model.StateCompleted, model.StateRunning, model.StateHealthy, model.StateExited, model.StateShuttingDown:
		return nil
	default:
		return model.NewError(model.ErrDependency, fmt.Sprintf("task %q did not reach a healthy state (%s)", rootTask, st.State), nil)
	}
}

// orderedSpecs returns the specs in file.Order (alphabetical by task name),
// which is the panel index order, independent of the scheduler's admission
// order.
func orderedSpecs(file *config.File) []*model.TaskSpec {
	out := make([]*model.TaskSpec, 0, len(file.Order))
	for _, name := range file.Order {
		out = append(out, file.Specs[name])
	}
	return out
}

// bufferSet collects each panel's Buffer by task name, so the scheduler and
// the instance drainers write into the same buffers the panels render.
func bufferSet(panels *panel.Set) map[string]*buffer.Buffer {
	names := panels.Names()
	out := make(map[string]*buffer.Buffer, len(names))
	for _, n := range names {
		out[n] = panels.Panel(n).Buffer
	}
	return out
}

// proberFactory dispatches a task's configured healthcheck to either the
// built-in tool probes (internal/healthcheck/probe) or a raw shell command,
// matching spec.md §6's "(cmd|tool)" healthcheck shape.
func proberFactory(log *zap.Logger) eventloop.ProberFactory {
	return func(spec *model.TaskSpec) (healthcheck.Prober, error) {
		hc := spec.Healthcheck
		if hc.Cmd != "" {
			return healthcheck.ShellProbe{Command: hc.Cmd}, nil
		}
		tool, arg, _ := strings.Cut(strings.TrimSpace(hc.Tool), " ")
		p, err := probe.Resolve(tool, arg)
		if err != nil {
			log.Warn("healthcheck tool misconfigured", zap.String("task", spec.Name), zap.Error(err))
		}
		return p, err
	}
}

// refreshInterval is the terminal repaint cadence; distinct from
// eventloop.TickInterval, which drives liveness reconciliation, not drawing.
const refreshInterval = 100 * time.Millisecond

// renderLoop repaints the terminal on a fixed cadence until the event loop
// finishes shutdown; rendering is deliberately decoupled from the event
// loop's own goroutine (spec.md §1: the renderer is an external collaborator,
// "deliberately out of scope" of the scheduler/event-loop core).
func renderLoop(loop *eventloop.Loop, panels *panel.Set, term *render.Terminal) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loop.Done():
			return
		case <-ticker.C:
			term.Frame(statusSlice(loop, panels), loop.Current(), panels.Panel(loop.Current()))
		}
	}
}

func statusSlice(loop *eventloop.Loop, panels *panel.Set) []model.TaskStatus {
	names := panels.Names()
	out := make([]model.TaskStatus, 0, len(names))
	for _, n := range names {
		out = append(out, loop.Status(n))
	}
	return out
}
