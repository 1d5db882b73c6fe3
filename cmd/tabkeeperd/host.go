package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/b/tabkeeper/pkg/browser"
	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/paths"
	"github.com/b/tabkeeper/pkg/policy"
	"github.com/b/tabkeeper/pkg/tabs"
	"github.com/b/tabkeeper/pkg/tmux"
)

// hostHandle bundles a tab host with its optional event stream and teardown.
type hostHandle struct {
	host   tabs.Host
	events <-chan tabs.Event
	tmux   *tmux.Host
	close  func()
	hooked bool
}

func openHost(ctx context.Context, kind, sessionID string, opts *config.Options, log zerolog.Logger) (*hostHandle, error) {
	switch kind {
	case "tmux":
		h := tmux.NewHost(sessionID, tmux.ExecRunner)
		return &hostHandle{host: h, tmux: h}, nil

	case "browser":
		dir := opts.BrowserUserDataDir
		if dir == "" {
			if _, err := paths.EnsureStateDir(); err != nil {
				return nil, err
			}
			dir = paths.StatePath("browser-profile")
		}
		h, err := browser.Launch(browser.Options{UserDataDir: dir, Headless: opts.BrowserHeadless}, log)
		if err != nil {
			return nil, err
		}
		log.Info().Str("profile", dir).Msg("browser launched")
		return &hostHandle{
			host:   h,
			events: h.Events(),
			close: func() {
				if err := h.Close(); err != nil {
					log.Error().Err(err).Msg("browser shutdown failed")
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown host %q (want tmux or browser)", kind)
	}
}

// installHooks wires tmux hooks to tabkeeper-event. Other hosts deliver
// events themselves.
func (h *hostHandle) installHooks(ctx context.Context, eventBin, sessionID string, log zerolog.Logger) {
	if h.tmux == nil {
		return
	}
	if err := h.tmux.InstallHooks(ctx, eventBin, sessionID); err != nil {
		// Sweeps and the panel still work; only event-driven policies are lost.
		log.Error().Err(err).Msg("failed to install tmux hooks")
		return
	}
	h.hooked = true
}

// shutdown removes hooks this daemon installed and releases the host.
func (h *hostHandle) shutdown() {
	if h.hooked {
		h.tmux.RemoveHooks(context.Background())
	}
	if h.close != nil {
		h.close()
	}
}

// pumpEvents feeds host lifecycle events to the controller until ctx is done
// or the host closes its stream.
func pumpEvents(ctx context.Context, ctrl *policy.Controller, events <-chan tabs.Event, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Info().Msg("host event stream closed")
				return
			}
			log.Debug().Str("kind", string(ev.Kind)).Str("tab", ev.Tab.ID).Msg("tab event")
			ctrl.HandleEvent(ctx, ev)
		}
	}
}
