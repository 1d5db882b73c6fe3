// Package tabs defines the tab model shared by the policy controller, the
// control panel and the host adapters (tmux, browser).
package tabs

import (
	"context"
	"errors"
	"strings"
)

const (
	BlankURL  = "about:blank"
	NewTabURL = "chrome://newtab/"

	// EmptyTitlePrefix is prepended to the title of blank tabs by the mark sweep.
	EmptyTitlePrefix = "[EMPTY] "
)

// ErrNotFound is returned by a Registry when the tab no longer exists.
var ErrNotFound = errors.New("tab not found")

// Status is the host's load status for a tab.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusComplete Status = "complete"
)

// Tab is a snapshot of a host-owned tab. Tabs are never created by tabkeeper.
type Tab struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Status Status `json:"status"`
	Order  int    `json:"order"` // creation order, lower is older
}

// IsEmpty reports whether the tab shows the blank page or no URL at all.
func (t Tab) IsEmpty() bool {
	return t.URL == BlankURL || t.URL == ""
}

func (t Tab) IsNewTabPage() bool {
	return t.URL == NewTabURL
}

func (t Tab) IsUnloaded() bool {
	return t.Status == StatusUnloaded
}

// IsUnused reports whether the tab is unloaded or showing the new-tab page.
func (t Tab) IsUnused() bool {
	return t.IsUnloaded() || t.IsNewTabPage()
}

// Counts are derived from the live tab set and never persisted.
type Counts struct {
	Total    int `json:"total"`
	Unloaded int `json:"unloaded"`
	Unused   int `json:"unused"`
}

// CountTabs computes counts for a tab list. A tab that is both unloaded and on
// the new-tab page counts once towards Unused.
func CountTabs(list []Tab) Counts {
	c := Counts{Total: len(list)}
	for _, t := range list {
		if t.IsUnloaded() {
			c.Unloaded++
		}
		if t.IsUnused() {
			c.Unused++
		}
	}
	return c
}

// MarkTitle returns title with prefix prepended, unless it is already there.
func MarkTitle(title, prefix string) string {
	if strings.HasPrefix(title, prefix) {
		return title
	}
	return prefix + title
}

// Registry enumerates and removes tabs.
type Registry interface {
	// List returns all open tabs ordered oldest first.
	List(ctx context.Context) ([]Tab, error)
	Get(ctx context.Context, id string) (Tab, error)
	Remove(ctx context.Context, id string) error
}

// TitleMarker mutates a tab's title from inside the tab.
type TitleMarker interface {
	PrefixTitle(ctx context.Context, id, prefix string) error
}

// Host is everything the policy controller needs from the tab owner.
type Host interface {
	Registry
	TitleMarker
}

// EventKind identifies a tab lifecycle event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is a lifecycle notification. For removed events only Tab.ID is set.
type Event struct {
	Kind EventKind `json:"kind"`
	Tab  Tab       `json:"tab"`
}

// EventSource is implemented by hosts that observe lifecycle events on their own.
// Hosts without it (tmux) deliver events through the daemon socket instead.
type EventSource interface {
	Events() <-chan Event
}
