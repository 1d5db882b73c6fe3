package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/daemon"
	"github.com/b/tabkeeper/pkg/metrics"
	"github.com/b/tabkeeper/pkg/paths"
	"github.com/b/tabkeeper/pkg/policy"
	"github.com/b/tabkeeper/pkg/schedule"
	"github.com/b/tabkeeper/pkg/store"
	"github.com/b/tabkeeper/pkg/tmux"
)

var (
	sessionID    = flag.String("session", "", "session ID (defaults to the current tmux session)")
	hostKind     = flag.String("host", "tmux", "tab host: tmux or browser")
	debugMode    = flag.Bool("debug", false, "Log to stderr in console format at debug level")
	settingsPath = flag.String("settings", "", "settings file (default $TABKEEPER_CONFIG_DIR/settings.yaml)")
	noHooks      = flag.Bool("no-hooks", false, "Do not install tmux hooks")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tabkeeperd: %v\n", err)
		os.Exit(1)
	}
}

func recoverAndLog(log zerolog.Logger, where string) {
	if r := recover(); r != nil {
		log.Error().
			Interface("panic", r).
			Str("where", where).
			Str("stack", string(debug.Stack())).
			Msg("crash")
	}
}

// getEventBin returns the path to the tabkeeper-event binary next to ours
func getEventBin() string {
	exe, err := os.Executable()
	if err != nil {
		return "tabkeeper-event"
	}
	return filepath.Join(filepath.Dir(exe), "tabkeeper-event")
}

func currentTmuxSession(ctx context.Context) string {
	out, err := tmux.ExecRunner(ctx, "display-message", "-p", "#{session_id}")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func newLogger(opts *config.Options) (zerolog.Logger, func()) {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debugMode {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Caller().Logger().
			Level(zerolog.DebugLevel)
		return logger, func() {}
	}

	f, err := os.OpenFile(daemon.LogPath(*sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level), func() {}
	}
	logger := zerolog.New(f).With().Timestamp().Caller().Str("session", *sessionID).Logger().Level(level)
	return logger, func() { f.Close() }
}

func run() error {
	opts, err := config.LoadOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if *sessionID == "" && *hostKind == "tmux" {
		*sessionID = currentTmuxSession(ctx)
	}

	log, closeLog := newLogger(opts)
	defer closeLog()
	defer recoverAndLog(log, "main")

	log.Info().
		Str("host", *hostKind).
		Dur("close_all_delay", opts.CloseAllDelay).
		Dur("unused_tab_delay", opts.UnusedTabDelay).
		Str("metrics_addr", opts.MetricsAddr).
		Int("pid", os.Getpid()).
		Msg("starting tabkeeperd")

	h, err := openHost(ctx, *hostKind, *sessionID, opts, log)
	if err != nil {
		return err
	}
	defer h.shutdown()

	path := *settingsPath
	if path == "" {
		if _, err := paths.EnsureConfigDir(); err != nil {
			return err
		}
		path = paths.SettingsPath()
	}
	st, created, err := store.Open(path, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	ctrl := policy.New(policy.Deps{
		Host:      h.host,
		Store:     st,
		Scheduler: schedule.New(clockwork.NewRealClock()),
		Options:   *opts,
		Logger:    log,
		Metrics:   m,
	})
	defer ctrl.Close()

	server := daemon.NewServer(*sessionID, log)
	server.OnRequest = daemon.NewHandler(ctx, ctrl, log).Handle
	server.OnClientsChanged = m.SetPanels
	ctrl.SetPublisher(policy.PublisherFunc(daemon.CountsPublisher(server, ctrl.CloseAllPending)))

	if err := server.Start(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			log.Info().Err(err).Msg("another daemon owns this session")
			return nil
		}
		return err
	}
	defer server.Stop()

	cancelSub := st.Subscribe(ctrl.OnSettingsChanged)
	defer cancelSub()

	if created {
		log.Info().Str("path", st.Path()).Msg("no settings yet, installing defaults")
		if err := ctrl.Install(ctx); err != nil {
			log.Error().Err(err).Msg("install failed, continuing with defaults")
			ctrl.Initialize(ctx)
		}
	} else {
		ctrl.Initialize(ctx)
	}

	if !*noHooks {
		h.installHooks(ctx, getEventBin(), *sessionID, log)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer recoverAndLog(log, "store-watch")
		return st.Watch(gctx)
	})
	if h.events != nil {
		g.Go(func() error {
			defer recoverAndLog(log, "host-events")
			pumpEvents(gctx, ctrl, h.events, log)
			return nil
		})
	}
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, opts.MetricsAddr, m.Handler(), log)
		})
	}

	log.Info().Str("socket", server.GetSocketPath()).Msg("daemon ready")
	err = g.Wait()
	log.Info().Msg("shutting down daemon")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
