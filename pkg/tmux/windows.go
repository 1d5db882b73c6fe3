// Package tmux exposes tmux windows as tabs. A window is a tab, the window
// name is its title and the program in its active pane stands in for the URL.
package tmux

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/b/tabkeeper/pkg/tabs"
)

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\].*?(?:\x07|\x1b\\)`)

// stripANSI removes ANSI escape sequences from a string
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// URLPrefix marks the pseudo URL of a window running a program.
const URLPrefix = "tmux://"

// maxNameWidth bounds window names after prefixing so the status line stays usable.
const maxNameWidth = 48

// Shells are commands that mean "nothing opened yet", the tmux new-tab page.
var Shells = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true, "dash": true, "ksh": true, "nu": true,
}

const windowFormat = "#{window_id}\x1f#{window_index}\x1f#{window_name}\x1f#{window_active}\x1f#{window_silence_flag}\x1f#{pane_dead}\x1f#{pane_current_command}"

type Window struct {
	ID      string
	Serial  int // number in the window id; tmux hands these out in increasing order
	Index   int
	Name    string
	Active  bool
	Silence bool   // Window has been silent (monitor-silence)
	Dead    bool   // Active pane's process exited (remain-on-exit)
	Command string // Current command running in the active pane
}

// Tab maps a window onto the tab model. Indexes are reused and renumbered, so
// creation order comes from the window id serial.
func (w Window) Tab() tabs.Tab {
	t := tabs.Tab{
		ID:     w.ID,
		Title:  w.Name,
		Order:  w.Serial,
		Status: tabs.StatusComplete,
	}
	if w.Silence {
		t.Status = tabs.StatusUnloaded
	}
	switch {
	case w.Dead || w.Command == "":
		t.URL = ""
	case Shells[strings.TrimPrefix(w.Command, "-")]:
		t.URL = tabs.NewTabURL
	default:
		t.URL = URLPrefix + w.Command
	}
	return t
}

// Host implements tabs.Host on top of a tmux server.
type Host struct {
	run     Runner
	session string
}

// NewHost returns a host for session. An empty session means the current one.
func NewHost(session string, run Runner) *Host {
	if run == nil {
		run = ExecRunner
	}
	return &Host{run: run, session: session}
}

// ListWindows returns the session's windows in creation order.
func (h *Host) ListWindows(ctx context.Context) ([]Window, error) {
	args := []string{"list-windows", "-F", windowFormat}
	if h.session != "" {
		args = []string{"list-windows", "-t", h.session, "-F", windowFormat}
	}
	out, err := h.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("tmux list-windows failed: %w", err)
	}
	return parseWindows(string(out)), nil
}

func parseWindows(out string) []Window {
	var windows []Window
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) < 7 {
			continue
		}
		serial, ok := windowSerial(parts[0])
		if !ok {
			continue
		}
		index, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		windows = append(windows, Window{
			ID:      parts[0],
			Serial:  serial,
			Index:   index,
			Name:    stripANSI(parts[2]),
			Active:  parts[3] == "1",
			Silence: parts[4] == "1",
			Dead:    parts[5] == "1",
			Command: stripANSI(parts[6]),
		})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Serial < windows[j].Serial })
	return windows
}

// windowSerial parses "@N".
func windowSerial(id string) (int, bool) {
	if !strings.HasPrefix(id, "@") {
		return 0, false
	}
	n, err := strconv.Atoi(id[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *Host) List(ctx context.Context) ([]tabs.Tab, error) {
	windows, err := h.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]tabs.Tab, 0, len(windows))
	for _, w := range windows {
		list = append(list, w.Tab())
	}
	return list, nil
}

func (h *Host) Get(ctx context.Context, id string) (tabs.Tab, error) {
	w, err := h.window(ctx, id)
	if err != nil {
		return tabs.Tab{}, err
	}
	return w.Tab(), nil
}

func (h *Host) window(ctx context.Context, id string) (Window, error) {
	windows, err := h.ListWindows(ctx)
	if err != nil {
		return Window{}, err
	}
	for _, w := range windows {
		if w.ID == id {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("window %s: %w", id, tabs.ErrNotFound)
}

// Remove kills the window.
func (h *Host) Remove(ctx context.Context, id string) error {
	if _, err := h.run(ctx, "kill-window", "-t", id); err != nil {
		return notFound(id, err)
	}
	return nil
}

// PrefixTitle renames the window with prefix prepended. Windows that already
// carry the prefix are left alone.
func (h *Host) PrefixTitle(ctx context.Context, id, prefix string) error {
	w, err := h.window(ctx, id)
	if err != nil {
		return err
	}
	name := tabs.MarkTitle(w.Name, prefix)
	if name == w.Name {
		return nil
	}
	name = runewidth.Truncate(name, maxNameWidth, "…")
	if _, err := h.run(ctx, "rename-window", "-t", id, name); err != nil {
		return notFound(id, err)
	}
	return nil
}

func notFound(id string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "can't find window") || strings.Contains(msg, "no such window") {
		return fmt.Errorf("window %s: %w", id, tabs.ErrNotFound)
	}
	return err
}
