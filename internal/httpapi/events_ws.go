package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/storyteller/internal/story"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleStoryEvents streams state snapshots of a story over a WebSocket
// until it reaches a terminal state or the client goes away. Snapshots do
// not inline audio; clients fetch audioUrl once the story is ready.
func (r *Router) handleStoryEvents(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req.Context())
	storyID := req.PathValue("id")

	updates, cancel, err := r.stories.Subscribe(id, storyID)
	if errors.Is(err, story.ErrNotFound) {
		// Finished stories may only live in the database.
		s, lookupErr := r.lookup(req, false)
		if lookupErr != nil {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		updates, cancel = finished(s)
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, msgLoadError)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("events_ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reader: detects the client closing and answers pings.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					r.logger.Printf("events_ws: read error for story %s: %v", storyID, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(viewOf(s, false)); err != nil {
				r.logger.Printf("events_ws: write failed for story %s: %v", storyID, err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-req.Context().Done():
			return
		}
	}
}

// finished returns a closed subscription carrying one snapshot.
func finished(s story.State) (<-chan story.State, func()) {
	ch := make(chan story.State, 1)
	ch <- s
	close(ch)
	return ch, func() {}
}
