// Package policy implements the policy controller: it mirrors the user's
// settings from the store, reacts to tab lifecycle events, runs the periodic
// sweeps and keeps the live tab counts that control panels display.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/metrics"
	"github.com/b/tabkeeper/pkg/schedule"
	"github.com/b/tabkeeper/pkg/store"
	"github.com/b/tabkeeper/pkg/tabs"
)

// Scheduler task names. One task per policy.
const (
	TaskAutoCloseEmpty = "auto-close-empty"
	TaskMarkEmpty      = "mark-empty"
	TaskCloseAll       = "close-all"

	unusedCheckPrefix = "unused-check:"
)

// Removal reasons, used as metric labels and log fields.
const (
	ReasonMaxTabs     = "max_tabs"
	ReasonUnusedDelay = "unused_after_delay"
	ReasonAutoClose   = "auto_close_empty"
	ReasonCloseAll    = "close_all"
	ReasonCloseUnused = "close_unused"
)

// SettingsStore is the part of the store the controller uses.
type SettingsStore interface {
	Get(keys ...string) store.Values
	Set(values store.Values) error
}

// Publisher pushes counts to connected control panels and returns how many
// received them.
type Publisher interface {
	PublishCounts(c tabs.Counts) int
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(c tabs.Counts) int

func (f PublisherFunc) PublishCounts(c tabs.Counts) int { return f(c) }

type Deps struct {
	Host      tabs.Host
	Store     SettingsStore
	Scheduler *schedule.Scheduler
	Options   config.Options
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics // optional
	Publisher Publisher        // optional
}

type Controller struct {
	host      tabs.Host
	store     SettingsStore
	sched     *schedule.Scheduler
	opts      config.Options
	log       zerolog.Logger
	metrics   *metrics.Metrics
	publisher Publisher

	mu        sync.Mutex
	settings  config.Settings
	counts    tabs.Counts
	countsGen uint64 // generation the stored counts were listed at

	// gen advances on every tab change we make or hear about, so a refresh
	// never joins a host query that started before the change.
	gen     atomic.Uint64
	refresh singleflight.Group
}

func New(d Deps) *Controller {
	c := &Controller{
		host:      d.Host,
		store:     d.Store,
		sched:     d.Scheduler,
		opts:      d.Options,
		log:       d.Logger.With().Str("component", "policy").Logger(),
		metrics:   d.Metrics,
		publisher: d.Publisher,
		settings:  config.Defaults(),
	}
	if c.sched == nil {
		c.sched = schedule.New(nil)
	}
	return c
}

// SetPublisher replaces the count publisher. The daemon server is created after
// the controller, so it is attached late.
func (c *Controller) SetPublisher(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher = p
}

// Install seeds the default settings and then initializes. It runs once, when
// the daemon finds no settings file.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.store.Set(store.Values(config.InstallValues())); err != nil {
		c.log.Error().Err(err).Msg("error setting initial storage")
		return fmt.Errorf("seed default settings: %w", err)
	}
	c.Initialize(ctx)
	return nil
}

// Initialize loads settings from the store, starts the enabled policies and
// publishes the first counts.
func (c *Controller) Initialize(ctx context.Context) {
	s := config.FromValues(c.store.Get(config.Keys()...))
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()

	c.log.Info().
		Bool("auto_close_empty", s.AutoCloseEmpty).
		Bool("mark_empty", s.MarkEmpty).
		Bool("close_all_after_delay", s.CloseAllAfterDelay).
		Bool("unused_after_delay", s.UnusedAfterDelay()).
		Int("max_tabs", s.MaxTabs).
		Msg("initialized")

	if s.AutoCloseEmpty {
		c.startAutoCloseEmpty()
	}
	if s.MarkEmpty {
		c.startMarkEmpty()
	}
	if s.CloseAllAfterDelay {
		c.StartCloseAllTimer()
	}
	c.RefreshCounts(ctx)
}

// Settings returns the cached settings.
func (c *Controller) Settings() config.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Counts returns the last computed counts without touching the host.
func (c *Controller) Counts() tabs.Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// HandleEvent dispatches a lifecycle event.
func (c *Controller) HandleEvent(ctx context.Context, ev tabs.Event) {
	switch ev.Kind {
	case tabs.EventCreated:
		c.OnTabCreated(ctx, ev.Tab)
	case tabs.EventUpdated:
		c.OnTabUpdated(ctx, ev.Tab.ID)
	case tabs.EventRemoved:
		c.OnTabRemoved(ctx, ev.Tab.ID)
	default:
		c.log.Warn().Str("kind", string(ev.Kind)).Msg("unknown tab event")
	}
}

// OnTabCreated enforces the tab ceiling by removing exactly one tab, the
// oldest, and schedules the delayed unused check for the new tab.
func (c *Controller) OnTabCreated(ctx context.Context, tab tabs.Tab) {
	c.gen.Add(1)
	s := c.Settings()

	list, err := c.host.List(ctx)
	if err != nil {
		c.hostFailed("list", err).Msg("error handling new tab creation")
	} else if len(list) > s.MaxTabs {
		oldest := oldestTab(list)
		_ = c.remove(ctx, oldest, ReasonMaxTabs)
	}

	if s.UnusedAfterDelay() && tab.ID != "" {
		id := tab.ID
		c.sched.After(unusedCheckPrefix+id, c.opts.UnusedTabDelay, func(ctx context.Context) {
			c.closeIfUnused(ctx, id)
		})
	}

	c.RefreshCounts(ctx)
}

func (c *Controller) OnTabUpdated(ctx context.Context, id string) {
	c.gen.Add(1)
	c.RefreshCounts(ctx)
}

func (c *Controller) OnTabRemoved(ctx context.Context, id string) {
	c.gen.Add(1)
	c.RefreshCounts(ctx)
}

// OnSettingsChanged applies store notifications to the cache and starts or
// stops the affected policies. Keys are handled in sorted order.
func (c *Controller) OnSettingsChanged(changes store.Changes) {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		c.mu.Lock()
		known := c.settings.Apply(key, changes[key].New)
		s := c.settings
		c.mu.Unlock()
		if !known {
			continue
		}
		c.log.Debug().Str("key", key).Interface("value", changes[key].New).Msg("setting changed")

		switch key {
		case config.KeyAutoCloseEmpty:
			if s.AutoCloseEmpty {
				c.startAutoCloseEmpty()
			} else {
				c.sched.Stop(TaskAutoCloseEmpty)
			}
		case config.KeyMarkEmpty:
			if s.MarkEmpty {
				c.startMarkEmpty()
			} else {
				c.sched.Stop(TaskMarkEmpty)
			}
		case config.KeyCloseAllAfterDelay:
			if s.CloseAllAfterDelay {
				c.StartCloseAllTimer()
			} else {
				c.CancelCloseAllTimer()
			}
		}
	}
}

// StartCloseAllTimer replaces any pending close-all with a fresh one.
func (c *Controller) StartCloseAllTimer() {
	c.sched.After(TaskCloseAll, c.opts.CloseAllDelay, c.closeAll)
	c.log.Info().Dur("delay", c.opts.CloseAllDelay).Msg("close-all timer started")
}

// CancelCloseAllTimer reports whether a pending close-all was canceled.
func (c *Controller) CancelCloseAllTimer() bool {
	canceled := c.sched.Stop(TaskCloseAll)
	if canceled {
		c.log.Info().Msg("close-all timer canceled")
	}
	return canceled
}

// CloseAllPending reports whether a close-all is scheduled.
func (c *Controller) CloseAllPending() bool {
	return c.sched.Running(TaskCloseAll)
}

// CloseUnused removes every unloaded or new-tab-page tab right away.
func (c *Controller) CloseUnused(ctx context.Context) error {
	err := c.removeMatching(ctx, tabs.Tab.IsUnused, ReasonCloseUnused)
	if err != nil {
		c.log.Error().Err(err).Msg("error in close unused tabs")
	}
	c.RefreshCounts(ctx)
	return err
}

// RefreshCounts recomputes counts from the live tab set and publishes them.
// Concurrent callers within one removal generation share one host query; a
// query from an older generation never overwrites newer counts.
func (c *Controller) RefreshCounts(ctx context.Context) tabs.Counts {
	gen := c.gen.Load()
	v, _, _ := c.refresh.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		list, err := c.host.List(ctx)
		if err != nil {
			c.hostFailed("list", err).Msg("error updating tab counts")
			return c.Counts(), nil
		}
		counts := tabs.CountTabs(list)

		c.mu.Lock()
		if gen < c.countsGen {
			counts = c.counts
			c.mu.Unlock()
			return counts, nil
		}
		c.counts = counts
		c.countsGen = gen
		pub := c.publisher
		c.mu.Unlock()

		c.metrics.SetCounts(counts)
		if pub == nil || pub.PublishCounts(counts) == 0 {
			c.log.Debug().
				Int("unloaded", counts.Unloaded).
				Int("unused", counts.Unused).
				Msg("control panel is not open")
		}
		return counts, nil
	})
	return v.(tabs.Counts)
}

// Close stops every scheduled task.
func (c *Controller) Close() {
	c.sched.Close()
}

func (c *Controller) closeIfUnused(ctx context.Context, id string) {
	t, err := c.host.Get(ctx, id)
	if errors.Is(err, tabs.ErrNotFound) {
		return
	}
	if err != nil {
		c.hostFailed("get", err).Str("tab", id).Msg("error closing unused tab after delay")
		return
	}
	if !t.IsUnused() {
		return
	}
	if c.remove(ctx, t, ReasonUnusedDelay) == nil {
		c.RefreshCounts(ctx)
	}
}

func (c *Controller) closeAll(ctx context.Context) {
	err := c.removeMatching(ctx, func(tabs.Tab) bool { return true }, ReasonCloseAll)
	if err != nil {
		c.log.Error().Err(err).Msg("error in close all tabs")
	}
	// Clear the served request so a restart does not re-arm it, unless the
	// user armed a new one while this pass was running.
	if !c.CloseAllPending() {
		if err := c.store.Set(store.Values{config.KeyCloseAllAfterDelay: false}); err != nil {
			c.log.Error().Err(err).Msg("failed to clear close-all flag")
		}
	}
	c.RefreshCounts(ctx)
}

// removeMatching removes every tab accepted by match. One failed removal does
// not stop the rest of the pass; failures are joined into the result.
func (c *Controller) removeMatching(ctx context.Context, match func(tabs.Tab) bool, reason string) error {
	list, err := c.host.List(ctx)
	if err != nil {
		c.hostFailed("list", err).Str("reason", reason).Msg("list tabs failed")
		return fmt.Errorf("list tabs: %w", err)
	}
	var errs []error
	for _, t := range list {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !match(t) {
			continue
		}
		if err := c.remove(ctx, t, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// remove closes one tab. A tab that vanished in the meantime is not an error.
func (c *Controller) remove(ctx context.Context, t tabs.Tab, reason string) error {
	err := c.host.Remove(ctx, t.ID)
	if errors.Is(err, tabs.ErrNotFound) {
		c.log.Debug().Str("tab", t.ID).Str("reason", reason).Msg("tab already gone")
		return nil
	}
	if err != nil {
		c.hostFailed("remove", err).Str("tab", t.ID).Str("reason", reason).Msg("remove tab failed")
		return fmt.Errorf("remove tab %s: %w", t.ID, err)
	}
	c.gen.Add(1)
	c.metrics.TabRemoved(reason)
	c.log.Info().Str("tab", t.ID).Str("url", t.URL).Str("reason", reason).Msg("tab removed")
	return nil
}

func (c *Controller) hostFailed(op string, err error) *zerolog.Event {
	c.metrics.HostError(op)
	return c.log.Error().Err(err).Str("op", op)
}

// oldestTab returns the tab with the lowest creation order; ties keep list order.
func oldestTab(list []tabs.Tab) tabs.Tab {
	oldest := list[0]
	for _, t := range list[1:] {
		if t.Order < oldest.Order {
			oldest = t
		}
	}
	return oldest
}
