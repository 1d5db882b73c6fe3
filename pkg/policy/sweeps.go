package policy

import (
	"context"
	"errors"

	"github.com/b/tabkeeper/pkg/perf"
	"github.com/b/tabkeeper/pkg/tabs"
)

func (c *Controller) startAutoCloseEmpty() {
	if c.sched.Every(TaskAutoCloseEmpty, c.opts.AutoCloseInterval, c.autoCloseEmptySweep) {
		c.log.Info().Dur("interval", c.opts.AutoCloseInterval).Msg("auto-close-empty sweep started")
	}
}

func (c *Controller) startMarkEmpty() {
	if c.sched.Every(TaskMarkEmpty, c.opts.MarkInterval, c.markEmptySweep) {
		c.log.Info().Dur("interval", c.opts.MarkInterval).Msg("mark-empty sweep started")
	}
}

// autoCloseEmptySweep removes blank tabs. The flag is re-read at tick time in
// case a stop raced with the tick.
func (c *Controller) autoCloseEmptySweep(ctx context.Context) {
	if !c.Settings().AutoCloseEmpty {
		return
	}
	t := perf.Start("sweep.auto_close_empty")
	err := c.removeMatching(ctx, tabs.Tab.IsEmpty, ReasonAutoClose)
	c.metrics.ObserveSweep(TaskAutoCloseEmpty, t.Stop())
	if err != nil {
		c.log.Error().Err(err).Msg("error in auto close empty tabs")
	}
	c.RefreshCounts(ctx)
}

// markEmptySweep prefixes the title of blank tabs. Tabs already carrying the
// prefix are skipped; hosts also guard against double prefixes.
func (c *Controller) markEmptySweep(ctx context.Context) {
	if !c.Settings().MarkEmpty {
		return
	}
	t := perf.Start("sweep.mark_empty")
	defer func() { c.metrics.ObserveSweep(TaskMarkEmpty, t.Stop()) }()

	list, err := c.host.List(ctx)
	if err != nil {
		c.hostFailed("list", err).Msg("error in mark empty tabs")
		return
	}
	var errs []error
	for _, tab := range list {
		if !tab.IsEmpty() || tabs.MarkTitle(tab.Title, tabs.EmptyTitlePrefix) == tab.Title {
			continue
		}
		err := c.host.PrefixTitle(ctx, tab.ID, tabs.EmptyTitlePrefix)
		if err == nil || errors.Is(err, tabs.ErrNotFound) {
			continue
		}
		c.hostFailed("prefix_title", err).Str("tab", tab.ID).Msg("mark tab failed")
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		c.log.Error().Err(errors.Join(errs...)).Int("failed", len(errs)).Msg("error in mark empty tabs")
	}
}
