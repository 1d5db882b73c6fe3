// Package browser drives a Chromium persistent context through playwright and
// exposes its pages as tabs.
package browser

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/b/tabkeeper/pkg/tabs"
)

const eventBuffer = 256

// statusScript reports whether the page was discarded and how far it loaded.
const statusScript = `() => ({ discarded: !!document.wasDiscarded, readyState: document.readyState })`

// prefixScript prepends the prefix to document.title unless already present.
const prefixScript = `(prefix) => {
  if (!document.title.startsWith(prefix)) document.title = prefix + document.title;
  return document.title;
}`

// page is the subset of playwright.Page the host uses.
type page interface {
	URL() string
	Title() (string, error)
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
	Close(options ...playwright.PageCloseOptions) error
}

type trackedPage struct {
	id    string
	order int
	page  page
}

type Options struct {
	UserDataDir string
	Headless    bool
}

// Host implements tabs.Host and tabs.EventSource over a browser context.
type Host struct {
	pw   *playwright.Playwright
	bctx playwright.BrowserContext
	log  zerolog.Logger

	mu     sync.Mutex
	pages  map[string]*trackedPage
	ids    map[page]string
	next   int
	events chan tabs.Event
	closed bool
}

func newHost(log zerolog.Logger) *Host {
	return &Host{
		log:    log.With().Str("component", "browser").Logger(),
		pages:  make(map[string]*trackedPage),
		ids:    make(map[page]string),
		events: make(chan tabs.Event, eventBuffer),
	}
}

// Launch installs the driver if needed, starts Chromium with a persistent
// profile and begins tracking its pages. Pages open at launch are adopted
// without created events.
func Launch(opts Options, log zerolog.Logger) (*Host, error) {
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(opts.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	h := newHost(log)
	h.pw = pw
	h.bctx = bctx

	for _, p := range bctx.Pages() {
		h.attach(p, false)
	}
	bctx.OnPage(func(p playwright.Page) {
		h.attach(p, true)
	})
	bctx.OnClose(func(playwright.BrowserContext) {
		h.log.Info().Msg("browser closed")
	})
	return h, nil
}

func (h *Host) attach(p playwright.Page, announce bool) {
	id := h.track(p, announce)
	p.OnClose(func(playwright.Page) {
		h.forget(p)
	})
	p.OnLoad(func(playwright.Page) {
		h.emit(tabs.EventUpdated, id)
	})
	p.OnFrameNavigated(func(f playwright.Frame) {
		if f.ParentFrame() == nil {
			h.emit(tabs.EventUpdated, id)
		}
	})
}

// track assigns the next page id and optionally reports a created event.
func (h *Host) track(p page, announce bool) string {
	h.mu.Lock()
	if id, ok := h.ids[p]; ok {
		h.mu.Unlock()
		return id
	}
	h.next++
	tp := &trackedPage{id: fmt.Sprintf("page-%d", h.next), order: h.next, page: p}
	h.pages[tp.id] = tp
	h.ids[p] = tp.id
	h.mu.Unlock()

	if announce {
		h.emit(tabs.EventCreated, tp.id)
	}
	return tp.id
}

// forget drops a page and reports it removed. Repeated calls are no-ops.
func (h *Host) forget(p page) {
	h.mu.Lock()
	id, ok := h.ids[p]
	if ok {
		delete(h.ids, p)
		delete(h.pages, id)
	}
	h.mu.Unlock()
	if ok {
		h.emit(tabs.EventRemoved, id)
	}
}

// emit never blocks: playwright delivers callbacks on its dispatcher goroutine.
func (h *Host) emit(kind tabs.EventKind, id string) {
	ev := tabs.Event{Kind: kind, Tab: tabs.Tab{ID: id}}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.log.Warn().Str("kind", string(kind)).Str("tab", id).Msg("event buffer full, dropping tab event")
	}
}

func (h *Host) Events() <-chan tabs.Event {
	return h.events
}

func (h *Host) lookup(id string) (*trackedPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tp, ok := h.pages[id]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", id, tabs.ErrNotFound)
	}
	return tp, nil
}

func (h *Host) List(ctx context.Context) ([]tabs.Tab, error) {
	h.mu.Lock()
	tracked := make([]*trackedPage, 0, len(h.pages))
	for _, tp := range h.pages {
		tracked = append(tracked, tp)
	}
	h.mu.Unlock()
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].order < tracked[j].order })

	list := make([]tabs.Tab, 0, len(tracked))
	for _, tp := range tracked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list = append(list, h.snapshot(tp))
	}
	return list, nil
}

func (h *Host) Get(ctx context.Context, id string) (tabs.Tab, error) {
	tp, err := h.lookup(id)
	if err != nil {
		return tabs.Tab{}, err
	}
	return h.snapshot(tp), nil
}

func (h *Host) snapshot(tp *trackedPage) tabs.Tab {
	t := tabs.Tab{ID: tp.id, Order: tp.order, URL: tp.page.URL()}
	if title, err := tp.page.Title(); err == nil {
		t.Title = title
	}
	state, err := tp.page.Evaluate(statusScript)
	if err != nil {
		h.log.Debug().Err(err).Str("tab", tp.id).Msg("status probe failed")
		t.Status = tabs.StatusLoading
		return t
	}
	t.Status = statusFromState(state)
	return t
}

// statusFromState maps the statusScript result onto a tab status.
func statusFromState(v interface{}) tabs.Status {
	m, ok := v.(map[string]interface{})
	if !ok {
		return tabs.StatusLoading
	}
	if discarded, _ := m["discarded"].(bool); discarded {
		return tabs.StatusUnloaded
	}
	switch m["readyState"] {
	case "complete":
		return tabs.StatusComplete
	default:
		return tabs.StatusLoading
	}
}

// Remove closes the page.
func (h *Host) Remove(ctx context.Context, id string) error {
	tp, err := h.lookup(id)
	if err != nil {
		return err
	}
	if err := tp.page.Close(); err != nil {
		return fmt.Errorf("close page %s: %w", id, err)
	}
	h.forget(tp.page)
	return nil
}

// PrefixTitle rewrites document.title inside the page.
func (h *Host) PrefixTitle(ctx context.Context, id, prefix string) error {
	tp, err := h.lookup(id)
	if err != nil {
		return err
	}
	if title, err := tp.page.Title(); err == nil && tabs.MarkTitle(title, prefix) == title {
		return nil
	}
	if _, err := tp.page.Evaluate(prefixScript, prefix); err != nil {
		return fmt.Errorf("mark page %s: %w", id, err)
	}
	return nil
}

// Close shuts the browser down and closes the event channel.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.events)
	h.mu.Unlock()

	var err error
	if h.bctx != nil {
		err = h.bctx.Close()
	}
	if h.pw != nil {
		if stopErr := h.pw.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}
