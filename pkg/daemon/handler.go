package daemon

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/b/tabkeeper/pkg/tabs"
)

// Controller is the part of the policy controller the socket protocol drives.
type Controller interface {
	Counts() tabs.Counts
	CloseAllPending() bool
	StartCloseAllTimer()
	CancelCloseAllTimer() bool
	CloseUnused(ctx context.Context) error
	HandleEvent(ctx context.Context, ev tabs.Event)
}

// Handler maps protocol messages onto controller operations. Install it as
// Server.OnRequest.
type Handler struct {
	ctx  context.Context
	ctrl Controller
	log  zerolog.Logger
}

func NewHandler(ctx context.Context, ctrl Controller, log zerolog.Logger) *Handler {
	return &Handler{ctx: ctx, ctrl: ctrl, log: log.With().Str("component", "handler").Logger()}
}

// Handle answers one message. A panic in a controller call is logged and
// reported to the client; it never takes down the daemon.
func (h *Handler) Handle(clientID string, msg Message) (reply *Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("type", string(msg.Type)).
				Msg("handler crashed")
			reply = errorReply(fmt.Errorf("internal error handling %s", msg.Type))
		}
	}()

	switch msg.Type {
	case MsgGetCounts:
		m := CountsMessage(h.ctrl.Counts(), h.ctrl.CloseAllPending())
		return &m

	case MsgCloseAllAfterDelay:
		var p CloseAllPayload
		if err := msg.Decode(&p); err != nil {
			return errorReply(err)
		}
		if p.Start {
			h.ctrl.StartCloseAllTimer()
		} else {
			h.ctrl.CancelCloseAllTimer()
		}
		return nil

	case MsgCloseUnused:
		if err := h.ctrl.CloseUnused(h.ctx); err != nil {
			h.log.Error().Err(err).Str("client", clientID).Msg("close unused failed")
		}
		return nil

	case MsgTabEvent:
		var p TabEventPayload
		if err := msg.Decode(&p); err != nil {
			return errorReply(err)
		}
		h.log.Debug().Str("kind", string(p.Kind)).Str("tab", p.TabID).Msg("tab event")
		h.ctrl.HandleEvent(h.ctx, tabs.Event{Kind: p.Kind, Tab: tabs.Tab{ID: p.TabID, URL: p.URL}})
		return nil

	default:
		return errorReply(fmt.Errorf("unknown message type %q", msg.Type))
	}
}

// CountsPublisher returns a publish function that broadcasts counts to every
// subscribed panel.
func CountsPublisher(s *Server, pending func() bool) func(tabs.Counts) int {
	return func(c tabs.Counts) int {
		return s.Broadcast(CountsMessage(c, pending()))
	}
}

func errorReply(err error) *Message {
	m := MustMessage(MsgError, ErrorPayload{Message: err.Error()})
	return &m
}
