package policy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/metrics"
	"github.com/b/tabkeeper/pkg/schedule"
	"github.com/b/tabkeeper/pkg/store"
	"github.com/b/tabkeeper/pkg/tabs"
	"github.com/b/tabkeeper/pkg/tabs/tabstest"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
	quiet   = 50 * time.Millisecond
)

type countsRecorder struct {
	mu   sync.Mutex
	got  []tabs.Counts
	open bool
}

func (r *countsRecorder) PublishCounts(c tabs.Counts) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
	if r.open {
		return 1
	}
	return 0
}

func (r *countsRecorder) last() (tabs.Counts, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return tabs.Counts{}, false
	}
	return r.got[len(r.got)-1], true
}

type fixture struct {
	host  *tabstest.Host
	store *store.Store
	clock *clockwork.FakeClock
	ctrl  *Controller
	pub   *countsRecorder
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, created, err := store.Open(filepath.Join(t.TempDir(), "settings.yaml"), zerolog.Nop())
	require.NoError(t, err)
	require.True(t, created)

	f := &fixture{
		host:  tabstest.NewHost(),
		store: st,
		clock: clockwork.NewFakeClock(),
		pub:   &countsRecorder{open: true},
		ctx:   context.Background(),
	}
	f.ctrl = New(Deps{
		Host:      f.host,
		Store:     st,
		Scheduler: schedule.New(f.clock),
		Options:   config.DefaultOptions(),
		Logger:    zerolog.Nop(),
		Metrics:   metrics.New(),
		Publisher: f.pub,
	})
	st.Subscribe(f.ctrl.OnSettingsChanged)
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) set(t *testing.T, values store.Values) {
	t.Helper()
	require.NoError(t, f.store.Set(values))
}

func TestInstallSeedsDefaults(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Install(f.ctx))

	assert.Equal(t, store.Values{
		"autoCloseEmpty":            false,
		"markEmpty":                 false,
		"maxTabs":                   10,
		"closeAllAfterDelay":        false,
		"closeUnusedTabsAfterDelay": false,
	}, f.store.Get())
	assert.Equal(t, config.Defaults(), f.ctrl.Settings())
	assert.Empty(t, f.ctrl.sched.Names())
}

func TestInitializeStartsEnabledPolicies(t *testing.T) {
	f := newFixture(t)
	f.set(t, store.Values{"autoCloseEmpty": true, "markEmpty": true, "closeAllAfterDelay": true, "maxTabs": 3})
	f.host.OpenN("t", 2)

	f.ctrl.Initialize(f.ctx)

	assert.True(t, f.ctrl.sched.Running(TaskAutoCloseEmpty))
	assert.True(t, f.ctrl.sched.Running(TaskMarkEmpty))
	assert.True(t, f.ctrl.CloseAllPending())
	assert.Equal(t, 3, f.ctrl.Settings().MaxTabs)
	assert.Equal(t, tabs.Counts{Total: 2}, f.ctrl.Counts())
}

func TestTabCreatedOverCeilingRemovesOldestOnly(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.OpenN("t", 11)

	newest := f.host.Open("t11", "https://new.example", tabs.StatusLoading)
	f.ctrl.OnTabCreated(f.ctx, newest)

	assert.Equal(t, []string{"t0"}, f.host.Removed())
	assert.Equal(t, 11, f.host.Len())
	assert.Equal(t, 11, f.ctrl.Counts().Total)
}

func TestTabCreatedAtCeilingRemovesNothing(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.OpenN("t", 9)

	f.ctrl.OnTabCreated(f.ctx, f.host.Open("t9", tabs.NewTabURL, tabs.StatusComplete))

	assert.Empty(t, f.host.Removed())
}

func TestTabCreatedHonorsStoredCeiling(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.set(t, store.Values{"maxTabs": 2})
	f.host.OpenN("t", 2)

	f.ctrl.OnTabCreated(f.ctx, f.host.Open("t2", "https://x.example", tabs.StatusComplete))

	assert.Equal(t, []string{"t0"}, f.host.Removed())
}

func TestUnusedTabClosedAfterDelay(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.set(t, store.Values{"closeNewTabsAfterDelay": true})

	idle := f.host.Open("idle", tabs.NewTabURL, tabs.StatusComplete)
	f.ctrl.OnTabCreated(f.ctx, idle)
	used := f.host.Open("used", tabs.NewTabURL, tabs.StatusComplete)
	f.ctrl.OnTabCreated(f.ctx, used)
	f.host.Update("used", "https://example.com", tabs.StatusComplete)

	f.clock.Advance(119 * time.Second)
	assert.Never(t, func() bool { return len(f.host.Removed()) > 0 }, quiet, poll)

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return !f.host.Has("idle") }, waitFor, poll)
	assert.True(t, f.host.Has("used"))
}

func TestUnusedCheckToleratesVanishedTab(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.set(t, store.Values{"closeUnusedTabsAfterDelay": true})

	gone := f.host.Open("gone", tabs.NewTabURL, tabs.StatusComplete)
	f.ctrl.OnTabCreated(f.ctx, gone)
	require.NoError(t, f.host.Remove(f.ctx, "gone"))

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return !f.ctrl.sched.Running(unusedCheckPrefix + "gone") }, waitFor, poll)
	assert.Equal(t, []string{"gone"}, f.host.Removed())
}

func TestNoUnusedCheckWhenPolicyOff(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)

	f.ctrl.OnTabCreated(f.ctx, f.host.Open("idle", tabs.NewTabURL, tabs.StatusComplete))

	assert.False(t, f.ctrl.sched.Running(unusedCheckPrefix+"idle"))
}

func TestAutoCloseEmptySweep(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.Open("blank", tabs.BlankURL, tabs.StatusComplete)
	f.host.Open("nourl", "", tabs.StatusLoading)
	f.host.Open("site", "https://example.com", tabs.StatusComplete)

	f.set(t, store.Values{"autoCloseEmpty": true})
	require.True(t, f.ctrl.sched.Running(TaskAutoCloseEmpty))

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return f.host.Len() == 1 }, waitFor, poll)
	assert.True(t, f.host.Has("site"))
	assert.ElementsMatch(t, []string{"blank", "nourl"}, f.host.Removed())
}

func TestAutoCloseEmptyStopsWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.set(t, store.Values{"autoCloseEmpty": true})
	f.set(t, store.Values{"autoCloseEmpty": false})
	f.host.Open("blank", tabs.BlankURL, tabs.StatusComplete)

	assert.False(t, f.ctrl.sched.Running(TaskAutoCloseEmpty))
	f.clock.Advance(4 * time.Minute)
	assert.Never(t, func() bool { return len(f.host.Removed()) > 0 }, quiet, poll)
}

func TestSweepContinuesAfterRemovalFailure(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.Open("a", tabs.BlankURL, tabs.StatusComplete)
	f.host.Open("b", tabs.BlankURL, tabs.StatusComplete)
	f.host.Open("c", tabs.BlankURL, tabs.StatusComplete)
	f.host.FailRemove["a"] = errors.New("permission denied")

	f.set(t, store.Values{"autoCloseEmpty": true})
	f.clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return len(f.host.Removed()) == 2 }, waitFor, poll)
	assert.True(t, f.host.Has("a"))
}

func TestMarkEmptySweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.Open("blank", tabs.BlankURL, tabs.StatusComplete)
	f.host.Open("site", "https://example.com", tabs.StatusComplete)

	f.set(t, store.Values{"markEmpty": true})

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(f.host.Marked()) == 1 }, waitFor, poll)

	f.clock.Advance(time.Minute)
	assert.Never(t, func() bool { return len(f.host.Marked()) > 1 }, quiet, poll)
	assert.Equal(t, "[EMPTY] ", f.host.Title("blank"))
	assert.Equal(t, "", f.host.Title("site"))
}

func TestCloseAllFiresAfterDelay(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.OpenN("t", 3)

	f.set(t, store.Values{"closeAllAfterDelay": true})
	require.True(t, f.ctrl.CloseAllPending())

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return f.host.Len() == 0 }, waitFor, poll)
	require.Eventually(t, func() bool {
		return f.store.Get("closeAllAfterDelay")["closeAllAfterDelay"] == false
	}, waitFor, poll)
	assert.False(t, f.ctrl.Settings().CloseAllAfterDelay)
}

func TestCloseAllToggledOffBeforeDelay(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.OpenN("t", 3)

	f.set(t, store.Values{"closeAllAfterDelay": true})
	f.clock.Advance(10 * time.Second)
	f.set(t, store.Values{"closeAllAfterDelay": false})

	assert.False(t, f.ctrl.CloseAllPending())
	f.clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool { return len(f.host.Removed()) > 0 }, quiet, poll)
}

func TestStartCloseAllTimerReplacesPending(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.OpenN("t", 2)

	f.ctrl.StartCloseAllTimer()
	f.clock.Advance(time.Minute)
	f.ctrl.StartCloseAllTimer()

	f.clock.Advance(time.Minute)
	assert.Never(t, func() bool { return len(f.host.Removed()) > 0 }, quiet, poll)

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.host.Len() == 0 }, waitFor, poll)
	assert.Len(t, f.host.Removed(), 2)
}

func TestCancelCloseAllTimer(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)

	assert.False(t, f.ctrl.CancelCloseAllTimer())
	f.ctrl.StartCloseAllTimer()
	assert.True(t, f.ctrl.CancelCloseAllTimer())
	assert.False(t, f.ctrl.CloseAllPending())
}

func TestCloseUnusedNow(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.Open("newtab", tabs.NewTabURL, tabs.StatusComplete)
	f.host.Open("discarded", "https://a.example", tabs.StatusUnloaded)
	f.host.Open("broken", tabs.NewTabURL, tabs.StatusComplete)
	f.host.Open("site", "https://b.example", tabs.StatusComplete)
	f.host.FailRemove["broken"] = errors.New("permission denied")

	err := f.ctrl.CloseUnused(f.ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.ElementsMatch(t, []string{"newtab", "discarded"}, f.host.Removed())
	assert.Equal(t, tabs.Counts{Total: 2, Unloaded: 0, Unused: 1}, f.ctrl.Counts())
}

func TestRefreshCountsPublishes(t *testing.T) {
	f := newFixture(t)
	f.host.Open("a", tabs.NewTabURL, tabs.StatusUnloaded)
	f.host.Open("b", "https://x.example", tabs.StatusUnloaded)
	f.host.Open("c", tabs.NewTabURL, tabs.StatusComplete)

	got := f.ctrl.RefreshCounts(f.ctx)

	want := tabs.Counts{Total: 3, Unloaded: 2, Unused: 3}
	assert.Equal(t, want, got)
	last, ok := f.pub.last()
	require.True(t, ok)
	assert.Equal(t, want, last)
}

func TestRefreshCountsKeepsLastValueOnHostFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.open = false
	f.host.OpenN("t", 2)
	f.ctrl.RefreshCounts(f.ctx)

	f.host.FailList = errors.New("host gone")
	got := f.ctrl.RefreshCounts(f.ctx)

	assert.Equal(t, tabs.Counts{Total: 2}, got)
}

// gatedHost snapshots the tab list on its first List call and then holds
// that answer until released.
type gatedHost struct {
	*tabstest.Host
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedHost) List(ctx context.Context) ([]tabs.Tab, error) {
	first := false
	g.once.Do(func() { first = true })
	list, err := g.Host.List(ctx)
	if first {
		close(g.entered)
		<-g.release
	}
	return list, err
}

func TestRefreshAfterRemovalDoesNotReuseStaleQuery(t *testing.T) {
	f := newFixture(t)
	f.host.OpenN("t", 3)
	f.host.Open("blank", tabs.NewTabURL, tabs.StatusComplete)
	g := &gatedHost{Host: f.host, entered: make(chan struct{}), release: make(chan struct{})}
	f.ctrl.host = g

	stale := make(chan tabs.Counts, 1)
	go func() { stale <- f.ctrl.RefreshCounts(f.ctx) }()
	<-g.entered

	done := make(chan struct{})
	go func() {
		_ = f.ctrl.CloseUnused(f.ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
	}
	close(g.release)
	<-done
	<-stale

	assert.Equal(t, []string{"blank"}, f.host.Removed())
	assert.Equal(t, tabs.Counts{Total: 3}, f.ctrl.Counts())
	last, ok := f.pub.last()
	require.True(t, ok)
	assert.Equal(t, tabs.Counts{Total: 3}, last)
}

func TestHandleEventDispatch(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Initialize(f.ctx)
	f.host.OpenN("t", 11)
	tab := f.host.Open("t11", "https://x.example", tabs.StatusComplete)

	f.ctrl.HandleEvent(f.ctx, tabs.Event{Kind: tabs.EventCreated, Tab: tab})
	assert.Equal(t, []string{"t0"}, f.host.Removed())

	f.host.Update("t1", "https://x.example", tabs.StatusUnloaded)
	f.ctrl.HandleEvent(f.ctx, tabs.Event{Kind: tabs.EventUpdated, Tab: tabs.Tab{ID: "t1"}})
	assert.Equal(t, 1, f.ctrl.Counts().Unloaded)

	require.NoError(t, f.host.Remove(f.ctx, "t1"))
	f.ctrl.HandleEvent(f.ctx, tabs.Event{Kind: tabs.EventRemoved, Tab: tabs.Tab{ID: "t1"}})
	assert.Equal(t, tabs.Counts{Total: 10}, f.ctrl.Counts())
}

func TestOldestTabUsesCreationOrder(t *testing.T) {
	list := []tabs.Tab{{ID: "b", Order: 5}, {ID: "a", Order: 2}, {ID: "c", Order: 2}}
	assert.Equal(t, "a", oldestTab(list).ID)
}
