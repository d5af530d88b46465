// Package panel implements the Panel Set of spec.md §4.4: a 1:1 registry of
// per-task panels, each owning a MessageBuffer, scroll state, and a stream
// filter, plus an aggregate StatusView. Grounded on the teacher's
// LogManager (internal/infrastructure/processmgr/log_manager.go: lazy
// per-key buffer registry under an RWMutex), generalized from a per-PID to a
// per-task-name registry created eagerly for every configured spec rather
// than lazily on first use (spec.md §3 "Panels are created eagerly at
// startup for every spec").
package panel

import (
	"sort"
	"sync"

	"github.com/rote-mux/rote/internal/buffer"
	"github.com/rote-mux/rote/internal/model"
)

// Panel belongs 1:1 to a TaskSpec and exists for the program's duration
// (spec.md §3). It owns the task's MessageBuffer and the view state a
// renderer needs: scroll offset (lines from bottom), follow flag, and a
// mutable stream filter seeded from the spec's display filter but togglable
// at runtime via the `o`/`e` key bindings (spec.md §6).
type Panel struct {
	mu sync.Mutex

	Name   string
	Buffer *buffer.Buffer

	filter       buffer.Filter
	scrollOffset int // lines from bottom; 0 == following the tail
	follow       bool
	viewport     int // last-known rendered height, for the Scroll clamp
}

func newPanel(spec *model.TaskSpec) *Panel {
	return &Panel{
		Name:   spec.Name,
		Buffer: &buffer.Buffer{},
		filter: filterFor(spec.Display),
		follow: true,
	}
}

func filterFor(d model.DisplayFilter) buffer.Filter {
	switch d {
	case model.DisplayStdoutOnly:
		return buffer.Filter{Stdout: true, Status: true}
	case model.DisplayStderrOnly:
		return buffer.Filter{Stderr: true, Status: true}
	case model.DisplayNone:
		return buffer.Filter{Status: true}
	default:
		return buffer.FilterBoth
	}
}

// ToggleStdout flips whether stdout records are shown, matching the `o` key
// binding (spec.md §6).
func (p *Panel) ToggleStdout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter.Stdout = !p.filter.Stdout
}

// ToggleStderr flips whether stderr records are shown (`e` key binding).
func (p *Panel) ToggleStderr() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter.Stderr = !p.filter.Stderr
}

// Lines returns the panel's currently visible rendered lines under its
// active filter.
func (p *Panel) Lines() []string {
	p.mu.Lock()
	filter := p.filter
	p.mu.Unlock()
	return p.Buffer.Lines(filter)
}

// SetViewportHeight records the renderer's last-drawn panel height, so Scroll
// can clamp against it (spec.md §4.4: offset clamps to
// [0, max(0, count-viewport_height)], not [0, count-1]).
func (p *Panel) SetViewportHeight(h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = h
}

// Scroll adjusts the scroll offset by delta lines (positive = toward older
// content), clamped to [0, max(0, count-viewport_height)] where count is the
// number of visible lines under the current filter, per spec.md §4.4. Any
// manual scroll disables follow; scrolling back to offset 0 re-enables it
// ("auto-switching"/"sticky-follow").
func (p *Panel) Scroll(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	filter := p.filter
	count := p.Buffer.Count(filter)

	p.scrollOffset += delta
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
	max := count - p.viewport
	if max < 0 {
		max = 0
	}
	if p.scrollOffset > max {
		p.scrollOffset = max
	}
	p.follow = p.scrollOffset == 0
}

// ScrollOffset reports the current offset, for the renderer's scrollbar
// geometry (spec.md §3 "Panel ... a scroll offset").
func (p *Panel) ScrollOffset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollOffset
}

// Following reports whether the panel is pinned to the tail.
func (p *Panel) Following() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.follow
}

// ResetScroll re-pins the panel to the tail; used when a running task's
// output resumes after a restart (spec.md "S6 - Restart semantics").
func (p *Panel) ResetScroll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollOffset = 0
	p.follow = true
}

// Set is the ordered collection of all panels plus the status aggregate.
// Index 0 is conceptually the status view; panels then follow in the order
// supplied to New (spec.md §6 "status sits before panel 1").
type Set struct {
	order  []string
	byName map[string]*Panel
}

// New allocates one Panel per spec, in the order given. specs should already
// be in a stable (e.g. config file) order; New does not sort them, since
// panel index assignment is a presentation concern independent of the
// scheduler's admission order (spec.md REDESIGN FLAGS: "Derivation of 'which
// panel am I?' should not be stored inside the TaskInstance ... prefer that
// the event loop or panel set owns the mapping").
func New(specs []*model.TaskSpec) *Set {
	s := &Set{byName: make(map[string]*Panel, len(specs))}
	for _, spec := range specs {
		s.order = append(s.order, spec.Name)
		s.byName[spec.Name] = newPanel(spec)
	}
	return s
}

// Panel returns the panel for name, or nil if unknown.
func (s *Set) Panel(name string) *Panel { return s.byName[name] }

// Names returns panel names in index order (status view is not a name here;
// callers that need "index 0 is status" handle that offset themselves).
func (s *Set) Names() []string { return s.order }

// ByIndex returns the panel at the given 1-based index (matching the `1`-`9`
// key bindings, where status occupies no numeric slot), or nil if out of
// range.
func (s *Set) ByIndex(i int) *Panel {
	if i < 1 || i > len(s.order) {
		return nil
	}
	return s.byName[s.order[i-1]]
}

// StatusRow is one line of the aggregate StatusView (spec.md §3).
type StatusRow struct {
	Name         string
	Action       model.ActionKind
	State        model.TaskState
	LastExitCode *int
	LastSignal   string
}

// StatusView renders statuses into the alphabetically-ordered rows spec.md
// §3 describes, independent of panel index order.
func StatusView(statuses []model.TaskStatus) []StatusRow {
	rows := make([]StatusRow, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, StatusRow{
			Name:         st.Spec.Name,
			Action:       st.Spec.Action,
			State:        st.State,
			LastExitCode: st.LastExitCode,
			LastSignal:   st.LastSignal,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}
