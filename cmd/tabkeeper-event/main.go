// tabkeeper-event forwards one tab lifecycle event to the daemon. tmux hooks
// run it; it must stay quiet and quick when no daemon is listening.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/b/tabkeeper/pkg/daemon"
	"github.com/b/tabkeeper/pkg/tabs"
)

var (
	sessionID = flag.String("session", "", "session ID of the daemon")
	kind      = flag.String("kind", "", "event kind: created, updated or removed")
	tabID     = flag.String("tab", "", "tab (window) id")
	url       = flag.String("url", "", "tab URL, if known")
	verbose   = flag.Bool("v", false, "Report delivery failures on stderr")
)

func main() {
	flag.Parse()

	level := zerolog.Disabled
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	msg, err := buildEvent(tabs.EventKind(*kind), *tabID, *url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tabkeeper-event: %v\n", err)
		os.Exit(2)
	}

	c, err := daemon.Dial(daemon.SocketPath(*sessionID), daemon.NewClientID("hook"), 1)
	if err != nil {
		log.Debug().Err(err).Msg("daemon not running, event dropped")
		return
	}
	defer c.Close()

	if err := c.Send(msg); err != nil {
		log.Debug().Err(err).Msg("event not delivered")
	}
}

func buildEvent(kind tabs.EventKind, id, url string) (daemon.Message, error) {
	switch kind {
	case tabs.EventCreated, tabs.EventUpdated, tabs.EventRemoved:
	default:
		return daemon.Message{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if id == "" {
		return daemon.Message{}, fmt.Errorf("-tab is required")
	}
	return daemon.NewMessage(daemon.MsgTabEvent, daemon.TabEventPayload{Kind: kind, TabID: id, URL: url})
}
