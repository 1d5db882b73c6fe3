// Package tabstest provides an in-memory tab host for tests.
package tabstest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/b/tabkeeper/pkg/tabs"
)

// Host is an in-memory tabs.Host. It is safe for concurrent use.
type Host struct {
	mu        sync.Mutex
	tabs      map[string]tabs.Tab
	nextOrder int
	removed   []string
	marked    []string

	// FailRemove makes Remove fail for the listed ids with this error.
	FailRemove map[string]error
	// FailList makes List and Get fail.
	FailList error
	// FailMark makes PrefixTitle fail for the listed ids.
	FailMark map[string]error
}

func NewHost() *Host {
	return &Host{
		tabs:       make(map[string]tabs.Tab),
		FailRemove: make(map[string]error),
		FailMark:   make(map[string]error),
	}
}

// Open adds a tab with the next creation order and returns it.
func (h *Host) Open(id, url string, status tabs.Status) tabs.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := tabs.Tab{ID: id, URL: url, Status: status, Order: h.nextOrder}
	h.nextOrder++
	h.tabs[id] = t
	return t
}

// OpenN opens n loaded tabs on distinct sites, ids prefixed with prefix.
func (h *Host) OpenN(prefix string, n int) []tabs.Tab {
	out := make([]tabs.Tab, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.Open(fmt.Sprintf("%s%d", prefix, i), fmt.Sprintf("https://site%d.example", i), tabs.StatusComplete))
	}
	return out
}

// Update changes url and status of an existing tab.
func (h *Host) Update(id, url string, status tabs.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return
	}
	t.URL = url
	t.Status = status
	h.tabs[id] = t
}

func (h *Host) List(ctx context.Context) ([]tabs.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailList != nil {
		return nil, h.FailList
	}
	out := make([]tabs.Tab, 0, len(h.tabs))
	for _, t := range h.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (h *Host) Get(ctx context.Context, id string) (tabs.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailList != nil {
		return tabs.Tab{}, h.FailList
	}
	t, ok := h.tabs[id]
	if !ok {
		return tabs.Tab{}, tabs.ErrNotFound
	}
	return t, nil
}

func (h *Host) Remove(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.FailRemove[id]; err != nil {
		return err
	}
	if _, ok := h.tabs[id]; !ok {
		return tabs.ErrNotFound
	}
	delete(h.tabs, id)
	h.removed = append(h.removed, id)
	return nil
}

func (h *Host) PrefixTitle(ctx context.Context, id, prefix string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.FailMark[id]; err != nil {
		return err
	}
	t, ok := h.tabs[id]
	if !ok {
		return tabs.ErrNotFound
	}
	t.Title = tabs.MarkTitle(t.Title, prefix)
	h.tabs[id] = t
	h.marked = append(h.marked, id)
	return nil
}

// Removed returns the ids removed so far, in removal order.
func (h *Host) Removed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.removed...)
}

// Marked returns the ids PrefixTitle succeeded on, in call order.
func (h *Host) Marked() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.marked...)
}

// Has reports whether the tab is still open.
func (h *Host) Has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tabs[id]
	return ok
}

// Title returns the current title of a tab.
func (h *Host) Title(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tabs[id].Title
}

func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tabs)
}
