package tmux

import (
	"context"
	"fmt"
	"strings"

	"github.com/b/tabkeeper/pkg/tabs"
)

// HookScope is the option level a hook lives at.
type HookScope string

const (
	ScopeSession HookScope = ""
	ScopeWindow  HookScope = "w"
	ScopePane    HookScope = "p"
)

// Hook binds a tmux hook to the tab event it reports.
type Hook struct {
	Name   string
	Kind   tabs.EventKind
	Target string // format expanding to the window id inside the hook
	Scope  HookScope
}

// Hooks are the tmux hooks that forward lifecycle events to the daemon.
// Window and pane hooks set on a session only reach its current window, so
// they are installed globally at their own level.
var Hooks = []Hook{
	{Name: "after-new-window", Kind: tabs.EventCreated, Target: "#{window_id}"},
	{Name: "window-unlinked", Kind: tabs.EventRemoved, Target: "#{hook_window}"},
	{Name: "window-renamed", Kind: tabs.EventUpdated, Target: "#{window_id}", Scope: ScopeWindow},
	{Name: "alert-silence", Kind: tabs.EventUpdated, Target: "#{window_id}"},
	{Name: "pane-died", Kind: tabs.EventUpdated, Target: "#{window_id}", Scope: ScopePane},
}

// setHookArgs builds set-hook arguments. extra is "" to set and "u" to unset.
func (h *Host) setHookArgs(hook Hook, extra string) []string {
	if hook.Scope != ScopeSession || h.session == "" {
		return []string{"set-hook", "-g" + string(hook.Scope) + extra, hook.Name}
	}
	args := []string{"set-hook"}
	if extra != "" {
		args = append(args, "-"+extra)
	}
	return append(args, "-t", h.session, hook.Name)
}

// HookCommand is the run-shell command a hook executes.
func HookCommand(eventBin, sessionID string, h Hook) string {
	return fmt.Sprintf("run-shell -b \"%s -session %s -kind %s -tab '%s'\"",
		shellQuote(eventBin), shellQuote(sessionID), h.Kind, h.Target)
}

// InstallHooks registers session Hooks on the host's session (globally when
// the host has no session) and window and pane Hooks globally, so that every
// window change runs eventBin.
func (h *Host) InstallHooks(ctx context.Context, eventBin, sessionID string) error {
	for _, hook := range Hooks {
		args := append(h.setHookArgs(hook, ""), HookCommand(eventBin, sessionID, hook))
		if _, err := h.run(ctx, args...); err != nil {
			return fmt.Errorf("install %s hook: %w", hook.Name, err)
		}
	}
	return nil
}

// RemoveHooks undoes InstallHooks. Missing hooks are not an error.
func (h *Host) RemoveHooks(ctx context.Context) {
	for _, hook := range Hooks {
		h.run(ctx, h.setHookArgs(hook, "u")...)
	}
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t'\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
