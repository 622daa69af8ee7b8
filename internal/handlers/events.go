package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/middleware"
)

const eventWriteTimeout = 10 * time.Second

// EventsWS streams the caller's progress events. Nothing is replayed: a
// client sees only events published after it connected.
func (a *API) EventsWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)

	// Subscribe before the upgrade completes so the client sees every event
	// published after its handshake.
	sub := a.Events.Subscribe(userID)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	log.Printf("[events] Client connected: user=%s", logutil.SanitizeForLog(userID))

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), events.ErrSlowSubscriber) {
					conn.Close(websocket.StatusPolicyViolation, "too slow, reconnect")
				} else {
					conn.Close(websocket.StatusGoingAway, "")
				}
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
