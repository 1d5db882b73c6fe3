package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b/tabkeeper/pkg/tabs"
)

type fakeController struct {
	mu       sync.Mutex
	counts   tabs.Counts
	pending  bool
	events   []tabs.Event
	unused   int
	panicked bool
}

func (f *fakeController) Counts() tabs.Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

func (f *fakeController) CloseAllPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeController) StartCloseAllTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = true
}

func (f *fakeController) CancelCloseAllTimer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.pending
	f.pending = false
	return was
}

func (f *fakeController) CloseUnused(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unused++
	return errors.New("one tab refused to close")
}

func (f *fakeController) HandleEvent(ctx context.Context, ev tabs.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Tab.ID == "boom" {
		f.panicked = true
		panic("host exploded")
	}
	f.events = append(f.events, ev)
}

func (f *fakeController) snapshot() (bool, []tabs.Event, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, append([]tabs.Event(nil), f.events...), f.unused
}

func startServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()
	dir := t.TempDir()
	srv := NewServerAt(filepath.Join(dir, "d.sock"), filepath.Join(dir, "d.pid"), zerolog.Nop())
	ctrl := &fakeController{counts: tabs.Counts{Total: 4, Unloaded: 1, Unused: 2}}
	srv.OnRequest = NewHandler(context.Background(), ctrl, zerolog.Nop()).Handle
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, ctrl
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(srv.GetSocketPath(), NewClientID("test"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPingPong(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	reply, err := c.Request(Message{Type: MsgPing}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgPong, reply.Type)
}

func TestGetCountsReply(t *testing.T) {
	srv, ctrl := startServer(t)
	ctrl.StartCloseAllTimer()
	c := dial(t, srv)

	reply, err := c.Request(Message{Type: MsgGetCounts}, time.Second)
	require.NoError(t, err)
	require.Equal(t, MsgCounts, reply.Type)

	var p CountsPayload
	require.NoError(t, reply.Decode(&p))
	assert.Equal(t, CountsPayload{Total: 4, Unloaded: 1, Unused: 2, CloseAllPending: true}, p)
}

func TestSubscribeGetsCountsAndPushes(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	require.NoError(t, c.Subscribe())

	first, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, MsgCounts, first.Type)
	require.Eventually(t, func() bool { return srv.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	publish := CountsPublisher(srv, func() bool { return false })
	assert.Equal(t, 1, publish(tabs.Counts{Total: 9, Unloaded: 3, Unused: 5}))

	pushed, err := c.Receive()
	require.NoError(t, err)
	var p CountsPayload
	require.NoError(t, pushed.Decode(&p))
	assert.Equal(t, CountsPayload{Total: 9, Unloaded: 3, Unused: 5}, p)
}

func TestBroadcastWithoutPanelsDeliversNothing(t *testing.T) {
	srv, _ := startServer(t)
	assert.Equal(t, 0, srv.Broadcast(CountsMessage(tabs.Counts{}, false)))
}

func TestUnsubscribeRemovesClient(t *testing.T) {
	srv, _ := startServer(t)
	c, err := Dial(srv.GetSocketPath(), "panel-1", 3)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe())
	_, err = c.Receive()
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return srv.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseAllAfterDelayMessages(t *testing.T) {
	srv, ctrl := startServer(t)
	c := dial(t, srv)

	require.NoError(t, c.SendPayload(MsgCloseAllAfterDelay, CloseAllPayload{Start: true}))
	require.Eventually(t, func() bool { p, _, _ := ctrl.snapshot(); return p }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SendPayload(MsgCloseAllAfterDelay, CloseAllPayload{Start: false}))
	require.Eventually(t, func() bool { p, _, _ := ctrl.snapshot(); return !p }, time.Second, 5*time.Millisecond)
}

func TestCloseUnusedFailureIsNotFatal(t *testing.T) {
	srv, ctrl := startServer(t)
	c := dial(t, srv)

	require.NoError(t, c.Send(Message{Type: MsgCloseUnused}))
	require.Eventually(t, func() bool { _, _, n := ctrl.snapshot(); return n == 1 }, time.Second, 5*time.Millisecond)

	reply, err := c.Request(Message{Type: MsgPing}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgPong, reply.Type)
}

func TestTabEventRouted(t *testing.T) {
	srv, ctrl := startServer(t)
	c := dial(t, srv)

	require.NoError(t, c.SendPayload(MsgTabEvent, TabEventPayload{Kind: tabs.EventCreated, TabID: "@7"}))

	require.Eventually(t, func() bool { _, ev, _ := ctrl.snapshot(); return len(ev) == 1 }, time.Second, 5*time.Millisecond)
	_, ev, _ := ctrl.snapshot()
	assert.Equal(t, tabs.Event{Kind: tabs.EventCreated, Tab: tabs.Tab{ID: "@7"}}, ev[0])
}

func TestHandlerPanicIsReportedAndSurvived(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	msg := MustMessage(MsgTabEvent, TabEventPayload{Kind: tabs.EventUpdated, TabID: "boom"})
	reply, err := c.Request(msg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgError, reply.Type)

	reply, err = c.Request(Message{Type: MsgPing}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgPong, reply.Type)
}

func TestUnknownMessageType(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	reply, err := c.Request(Message{Type: "teleport"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, MsgError, reply.Type)

	var p ErrorPayload
	require.NoError(t, reply.Decode(&p))
	assert.Contains(t, p.Message, "teleport")
}

func TestStartRefusesWhenPidAlive(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "d.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getppid())), 0644))

	srv := NewServerAt(filepath.Join(dir, "d.sock"), pidPath, zerolog.Nop())
	err := srv.Start()

	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartReplacesStalePidfile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "d.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("not-a-pid"), 0644))

	srv := NewServerAt(filepath.Join(dir, "d.sock"), pidPath, zerolog.Nop())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	data, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestStopRemovesRuntimeFiles(t *testing.T) {
	srv, _ := startServer(t)
	srv.Stop()
	srv.Stop()

	_, err := os.Stat(srv.GetSocketPath())
	assert.True(t, os.IsNotExist(err))
	<-srv.Done()
}

func TestSocketPathDefaultsSession(t *testing.T) {
	assert.Equal(t, "/tmp/tabkeeperd-default.sock", SocketPath(""))
	assert.Equal(t, "/tmp/tabkeeperd-$1.pid", PidPath("$1"))
	assert.Equal(t, "/tmp/tabkeeperd-s.log", LogPath("s"))
}
