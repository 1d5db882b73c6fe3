// Package panel is the Control Panel: a small bubbletea popup that edits the
// policy toggles, arms the close-all timer and shows live tab counts.
package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/b/tabkeeper/pkg/colors"
	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/daemon"
	"github.com/b/tabkeeper/pkg/store"
	"github.com/b/tabkeeper/pkg/tabs"
)

const (
	LabelCloseAll       = "Close All Tabs After 2 Minutes"
	LabelCancelCloseAll = "Cancel Close All Tabs"
	MsgApplied          = "Settings applied successfully!"
)

// SettingsStore is the panel's view of the settings file.
type SettingsStore interface {
	Get(keys ...string) store.Values
	Set(values store.Values) error
	Reload() error
}

// Conn is a subscribed connection to the daemon.
type Conn interface {
	Send(msg daemon.Message) error
	Receive() (daemon.Message, error)
}

// Toggle is one checkbox bound to a settings key.
type Toggle struct {
	Key   string
	Label string
}

// Toggles are the checkboxes, in display order.
var Toggles = []Toggle{
	{Key: config.KeyAutoCloseEmpty, Label: "Auto-close empty tabs"},
	{Key: config.KeyMarkEmpty, Label: "Mark empty tabs"},
	{Key: config.KeyCloseNewTabsAfterDelay, Label: "Close new tabs after 2 minutes if unused"},
}

// Message types
type settingsLoadedMsg struct {
	checked  []bool
	closeAll bool
	err      error
}

type countsMsg struct {
	counts  tabs.Counts
	pending *bool // nil when the counts did not come from the daemon
}

type appliedMsg struct{ err error }

type closeAllToggledMsg struct {
	start   bool
	saveErr error
	sendErr error
}

type sentMsg struct {
	what string
	err  error
}

type daemonGoneMsg struct{ err error }

type countsErrMsg struct{ err error }

// Model is the panel state. Registry and Conn are optional: without a
// registry counts come only from the daemon, without a daemon connection
// toggles are still persisted and the daemon picks them up from the file.
type Model struct {
	store    SettingsStore
	conn     Conn
	registry tabs.Registry
	log      zerolog.Logger

	keys   keyMap
	help   help.Model
	styles styles

	cursor   int
	checked  []bool
	closeAll bool
	loaded   bool

	counts      tabs.Counts
	countsKnown bool
	daemonUp    bool

	status string
	err    error
	width  int
}

// New builds a panel model. log may be zerolog.Nop().
func New(s SettingsStore, conn Conn, registry tabs.Registry, log zerolog.Logger) Model {
	return Model{
		store:    s,
		conn:     conn,
		registry: registry,
		log:      log.With().Str("component", "panel").Logger(),
		keys:     defaultKeys(),
		help:     help.New(),
		styles:   newStyles(colors.DarkPalette),
		checked:  make([]bool, len(Toggles)),
		daemonUp: conn != nil,
	}
}

// WithPalette returns the model rendering with p.
func (m Model) WithPalette(p colors.Palette) Model {
	m.styles = newStyles(p)
	return m
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.loadCmd(), m.hostCountsCmd()}
	if m.conn != nil {
		cmds = append(cmds, m.sendCmd("get_counts", daemon.Message{Type: daemon.MsgGetCounts}), m.listenCmd())
	}
	return tea.Batch(cmds...)
}

// loadCmd reads the toggles and the close-all flag from the store.
func (m Model) loadCmd() tea.Cmd {
	s := m.store
	return func() tea.Msg {
		err := s.Reload()
		values := s.Get(config.Keys()...)
		checked := make([]bool, len(Toggles))
		for i, t := range Toggles {
			checked[i] = config.AsBool(values[t.Key])
		}
		return settingsLoadedMsg{
			checked:  checked,
			closeAll: config.AsBool(values[config.KeyCloseAllAfterDelay]),
			err:      err,
		}
	}
}

// hostCountsCmd counts tabs straight from the registry, like the popup did on open.
func (m Model) hostCountsCmd() tea.Cmd {
	if m.registry == nil {
		return nil
	}
	reg := m.registry
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		list, err := reg.List(ctx)
		if err != nil {
			return countsErrMsg{err: err}
		}
		return countsMsg{counts: tabs.CountTabs(list)}
	}
}

// listenCmd waits for the next daemon message. Update re-arms it after each one.
func (m Model) listenCmd() tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		for {
			msg, err := conn.Receive()
			if err != nil {
				return daemonGoneMsg{err: err}
			}
			switch msg.Type {
			case daemon.MsgCounts:
				var p daemon.CountsPayload
				if err := msg.Decode(&p); err != nil {
					continue
				}
				pending := p.CloseAllPending
				return countsMsg{
					counts:  tabs.Counts{Total: p.Total, Unloaded: p.Unloaded, Unused: p.Unused},
					pending: &pending,
				}
			case daemon.MsgError:
				var p daemon.ErrorPayload
				if msg.Decode(&p) == nil {
					return sentMsg{what: "daemon", err: errors.New(p.Message)}
				}
			}
		}
	}
}

func (m Model) sendCmd(what string, msg daemon.Message) tea.Cmd {
	conn := m.conn
	if conn == nil {
		return nil
	}
	return func() tea.Msg {
		return sentMsg{what: what, err: conn.Send(msg)}
	}
}

// applyCmd writes the three toggles in one batch.
func (m Model) applyCmd() tea.Cmd {
	s := m.store
	values := store.Values{}
	for i, t := range Toggles {
		values[t.Key] = m.checked[i]
	}
	return func() tea.Msg {
		return appliedMsg{err: s.Set(values)}
	}
}

// toggleCloseAllCmd flips the stored close-all flag and tells the daemon.
func (m Model) toggleCloseAllCmd() tea.Cmd {
	s := m.store
	conn := m.conn
	return func() tea.Msg {
		_ = s.Reload()
		current := config.AsBool(s.Get(config.KeyCloseAllAfterDelay)[config.KeyCloseAllAfterDelay])
		start := !current
		if err := s.Set(store.Values{config.KeyCloseAllAfterDelay: start}); err != nil {
			return closeAllToggledMsg{start: current, saveErr: err}
		}
		res := closeAllToggledMsg{start: start}
		if conn != nil {
			res.sendErr = conn.Send(daemon.MustMessage(daemon.MsgCloseAllAfterDelay, daemon.CloseAllPayload{Start: start}))
		}
		return res
	}
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case settingsLoadedMsg:
		m.checked = msg.checked
		m.closeAll = msg.closeAll
		m.loaded = true
		if msg.err != nil {
			m.log.Warn().Err(msg.err).Msg("settings reload failed, showing cached values")
		}
		return m, nil

	case countsMsg:
		m.counts = msg.counts
		m.countsKnown = true
		if msg.pending != nil {
			m.closeAll = *msg.pending
			return m, m.listenCmd()
		}
		return m, nil

	case countsErrMsg:
		m.log.Debug().Err(msg.err).Msg("host registry not reachable")
		return m, nil

	case daemonGoneMsg:
		m.daemonUp = false
		if !errors.Is(msg.err, io.EOF) {
			m.log.Debug().Err(msg.err).Msg("daemon connection lost")
		}
		return m, nil

	case appliedMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("saving settings: %w", msg.err)
			m.status = ""
			return m, nil
		}
		m.err = nil
		m.status = MsgApplied
		return m, nil

	case closeAllToggledMsg:
		m.closeAll = msg.start
		switch {
		case msg.saveErr != nil:
			m.err = fmt.Errorf("saving close-all: %w", msg.saveErr)
		case msg.sendErr != nil:
			// The daemon also watches the settings file, so the change still lands.
			m.log.Debug().Err(msg.sendErr).Msg("close-all message not delivered")
			m.err = nil
		default:
			m.err = nil
		}
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.log.Debug().Err(msg.err).Str("what", msg.what).Msg("daemon request failed")
			if msg.what == "close_unused" {
				m.err = fmt.Errorf("daemon not reachable: %w", msg.err)
			}
		}
		if msg.what == "daemon" {
			return m, m.listenCmd()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(Toggles)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Toggle):
		m.checked[m.cursor] = !m.checked[m.cursor]
		m.status = ""
	case key.Matches(msg, m.keys.Apply):
		return m, m.applyCmd()
	case key.Matches(msg, m.keys.CloseAll):
		return m, m.toggleCloseAllCmd()
	case key.Matches(msg, m.keys.CloseUnused):
		if m.conn == nil {
			m.err = errors.New("daemon not running")
			return m, nil
		}
		return m, m.sendCmd("close_unused", daemon.Message{Type: daemon.MsgCloseUnused})
	case key.Matches(msg, m.keys.Refresh):
		return m, tea.Batch(m.loadCmd(), m.hostCountsCmd(), m.sendCmd("get_counts", daemon.Message{Type: daemon.MsgGetCounts}))
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

// CloseAllLabel is the button text for the current close-all state.
func CloseAllLabel(pending bool) string {
	if pending {
		return LabelCancelCloseAll
	}
	return LabelCloseAll
}

func (m Model) Checked() []bool       { return append([]bool(nil), m.checked...) }
func (m Model) CloseAllPending() bool { return m.closeAll }
func (m Model) Counts() tabs.Counts   { return m.counts }
func (m Model) Status() string        { return m.status }
func (m Model) Err() error            { return m.err }
