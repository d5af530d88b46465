// Package render implements the two outer collaborators spec.md §1 names as
// "deliberately out of scope" but still built per SPEC_FULL.md: the frame
// renderer and the key-binding dispatch table. Grounded on the raw-mode /
// terminal-size pattern shared across musher-dev-mush's harness model
// (term.MakeRaw, term.GetSize, term.Restore) and flanksource-clicky's
// task-manager (term.IsTerminal gating before entering an interactive
// render path), with color styling from Nehonix-Team-XyPriss (fatih/color,
// mattn/go-colorable, mattn/go-isatty) and width-aware truncation from
// haricheung-agentic-shell (mattn/go-runewidth).
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/rote-mux/rote/internal/model"
	"github.com/rote-mux/rote/internal/panel"
)

const (
	altScreenEnter = "\x1b[?1049h\x1b[H"
	altScreenExit  = "\x1b[?1049l"
	clearScreen    = "\x1b[2J\x1b[H"
)

// Terminal owns raw mode, the alternate screen, and a colorable writer. It
// is the only thing in this package that touches the OS terminal directly.
type Terminal struct {
	fd       int
	out      io.Writer
	oldState *term.State
	color    bool
}

// Open puts stdout into raw mode (if it is a real terminal) and enters the
// alternate screen. Callers must defer Close.
func Open() (*Terminal, error) {
	fd := int(os.Stdout.Fd())
	t := &Terminal{fd: fd, out: colorable.NewColorableStdout()}

	if isatty.IsTerminal(uintptr(fd)) || isatty.IsCygwinTerminal(uintptr(fd)) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return nil, model.NewError(model.ErrIO, "entering raw terminal mode", err)
		}
		t.oldState = old
		t.color = true
		fmt.Fprint(t.out, altScreenEnter)
	}

	return t, nil
}

// Close restores the terminal's prior mode and leaves the alternate screen;
// spec.md §6 "normal screen during shutdown with textual progress".
func (t *Terminal) Close() {
	if t.oldState == nil {
		return
	}
	fmt.Fprint(t.out, altScreenExit)
	_ = term.Restore(t.fd, t.oldState)
}

// Size returns the current terminal width/height, falling back to a sane
// default when it cannot be determined (e.g. piped output in tests).
func (t *Terminal) Size() (width, height int) {
	w, h, err := term.GetSize(t.fd)
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return w, h
}

// Frame renders one full repaint of either the StatusView or a focused
// Panel, matching spec.md §6 ("status sits before panel 1"). StatusView rows
// are colored by task state; panel lines are drawn without per-tag styling,
// so Status records look the same as stream output.
func (t *Terminal) Frame(statuses []model.TaskStatus, current string, p *panel.Panel) {
	width, height := t.Size()

	var b strings.Builder
	b.WriteString(clearScreen)
	b.WriteString(t.styleHeader(current, width))
	b.WriteString("\n")

	if p == nil {
		writeStatusView(&b, statuses, width, height-2, t.color)
	} else {
		writePanelView(&b, p, width, height-2, t.color)
	}

	fmt.Fprint(t.out, b.String())
}

func (t *Terminal) styleHeader(current string, width int) string {
	title := "status"
	if current != "" {
		title = current
	}
	header := fmt.Sprintf(" rote — %s ", title)
	if runewidth.StringWidth(header) < width {
		header += strings.Repeat("─", width-runewidth.StringWidth(header))
	}
	if t.color {
		return color.New(color.FgHiCyan, color.Bold).Sprint(header)
	}
	return header
}

func writeStatusView(b *strings.Builder, statuses []model.TaskStatus, width, height int, useColor bool) {
	rows := panel.StatusView(statuses)
	for i, row := range rows {
		if i >= height {
			break
		}
		line := fmt.Sprintf("%-20s %-7s %-12s", row.Name, row.Action, row.State)
		if row.LastExitCode != nil {
			line += fmt.Sprintf(" exit=%d", *row.LastExitCode)
		}
		if row.LastSignal != "" {
			line += fmt.Sprintf(" signal=%s", row.LastSignal)
		}
		line = runewidth.Truncate(line, width, "")
		if useColor {
			line = colorForState(row.State).Sprint(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func writePanelView(b *strings.Builder, p *panel.Panel, width, height int, useColor bool) {
	p.SetViewportHeight(height)
	lines := p.Lines()
	start := len(lines) - height - p.ScrollOffset()
	if start < 0 {
		start = 0
	}
	end := start + height
	if end > len(lines) {
		end = len(lines)
	}
	for _, line := range lines[start:end] {
		b.WriteString(runewidth.Truncate(line, width, "…"))
		b.WriteString("\n")
	}
}

func colorForState(s model.TaskState) *color.Color {
	switch s {
	case model.StateHealthy, model.StateRunning, model.StateCompleted:
		return color.New(color.FgGreen)
	case model.StateFailed:
		return color.New(color.FgRed)
	case model.StateStarting, model.StateRestarting:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

// ShutdownProgress prints one textual line per task with its state, on the
// normal screen. cmd/rote calls it once, after Close() and after the event
// loop has finished shutting down, so it shows final states rather than
// progress during shutdown.
func ShutdownProgress(statuses []model.TaskStatus) {
	for _, row := range panel.StatusView(statuses) {
		fmt.Printf("  %-20s %s\n", row.Name, row.State)
	}
}
