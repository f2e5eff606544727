package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/transcript"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// handleEvents upgrades to a WebSocket and streams every session event as a
// JSON [transcript.Message]. The first message reports the current state
// when a session exists. Messages from the client are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("event stream: upgrade failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	log := observe.Logger(ctx)
	log.Debug("event stream: client connected")

	if snap, ok := s.ctrl.Session(); ok {
		msg := transcript.Message{Kind: "state", SessionID: snap.ID, At: time.Now(), State: snap.State.String()}
		if err := writeEvent(ctx, c, msg); err != nil {
			return
		}
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream: client gone", "err", context.Cause(ctx))
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = c.Close(websocket.StatusGoingAway, "controller closed")
				return
			}
			if err := writeEvent(ctx, c, transcript.NewMessage(ev)); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("event stream: write failed", "err", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, msg transcript.Message) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, msg)
}
