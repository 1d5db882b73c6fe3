package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/b/tabkeeper/pkg/colors"
	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/daemon"
	"github.com/b/tabkeeper/pkg/panel"
	"github.com/b/tabkeeper/pkg/paths"
	"github.com/b/tabkeeper/pkg/store"
	"github.com/b/tabkeeper/pkg/tabs"
	"github.com/b/tabkeeper/pkg/tmux"
)

var (
	sessionID    = flag.String("session", "", "session ID of the daemon (defaults to the current tmux session)")
	hostKind     = flag.String("host", "tmux", "host the daemon manages: tmux, browser or none")
	settingsPath = flag.String("settings", "", "settings file (default $TABKEEPER_CONFIG_DIR/settings.yaml)")
	once         = flag.Bool("once", false, "Print settings and counts, then exit")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	theme        = flag.String("theme", "auto", "color theme: auto, dark or light")
)

func main() {
	flag.Parse()

	log := zerolog.Nop()
	if *debug {
		if _, err := paths.EnsureStateDir(); err == nil {
			// Write debug log to file instead of stderr to avoid corrupting the display
			if f, err := os.OpenFile(paths.StatePath("panel.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644); err == nil {
				defer f.Close()
				log = zerolog.New(f).With().Timestamp().Logger()
			}
		}
	}

	session, registry, err := resolveHost(*hostKind, *sessionID, currentTmuxSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	*sessionID = session

	path := *settingsPath
	if path == "" {
		if _, err := paths.EnsureConfigDir(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = paths.SettingsPath()
	}
	st, _, err := store.Open(path, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *once || !term.IsTerminal(int(os.Stdout.Fd())) {
		if err := printOnce(os.Stdout, st, registry); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var conn panel.Conn
	client, err := daemon.Dial(daemon.SocketPath(*sessionID), daemon.NewClientID("panel"), 3)
	if err != nil {
		log.Debug().Err(err).Msg("daemon not reachable")
	} else {
		defer client.Close()
		if err := client.Subscribe(); err != nil {
			log.Debug().Err(err).Msg("subscribe failed")
		} else {
			conn = client
		}
	}

	if termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.ANSI256)
	}

	model := panel.New(st, conn, registry, log).
		WithPalette(colors.PaletteFor(colors.ParseThemeMode(*theme)))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func currentTmuxSession() string {
	out, err := exec.Command("tmux", "display-message", "-p", "#{session_id}").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// resolveHost picks the daemon session and the registry the panel may count
// directly. Only tmux windows are reachable from here; a browser daemon runs
// under the default session unless one is given and its counts come from the
// daemon alone.
func resolveHost(kind, session string, tmuxSession func() string) (string, tabs.Registry, error) {
	switch kind {
	case "tmux":
		if session == "" {
			session = tmuxSession()
		}
		return session, tmux.NewHost(session, tmux.ExecRunner), nil
	case "browser", "none":
		return session, nil, nil
	default:
		return "", nil, fmt.Errorf("unknown host %q (want tmux, browser or none)", kind)
	}
}

// printOnce prefers daemon counts (they include the unused count the daemon
// tracks) and falls back to counting the host directly.
func printOnce(w io.Writer, st *store.Store, registry tabs.Registry) error {
	s := config.FromValues(st.Get(config.Keys()...))

	var counts *tabs.Counts
	if client, err := daemon.Dial(daemon.SocketPath(*sessionID), daemon.NewClientID("panel"), 1); err == nil {
		reply, err := client.Request(daemon.Message{Type: daemon.MsgGetCounts}, 2*time.Second)
		client.Close()
		var p daemon.CountsPayload
		if err == nil && reply.Type == daemon.MsgCounts && reply.Decode(&p) == nil {
			counts = &tabs.Counts{Total: p.Total, Unloaded: p.Unloaded, Unused: p.Unused}
			s.CloseAllAfterDelay = p.CloseAllPending
		}
	}
	if counts == nil && registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if list, err := registry.List(ctx); err == nil {
			c := tabs.CountTabs(list)
			counts = &c
		}
	}
	return panel.WriteSummary(w, s, counts)
}
