package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWatch streams status snapshots for a run until it finishes or the
// client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	runID := st.ID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before the first snapshot so no change falls in between
	updates, unsubscribe := s.broker.Subscribe(runID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remove := s.watchers.Add(runID, cancel)
	defer remove()

	// Read pump: only used to notice the client closing
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	log := s.log.With("instance_id", runID)
	var last *statusResponse
	for {
		st, err := s.host.GetRunStatus(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("websocket status", "error", err)
			wsClose(conn, websocket.CloseInternalServerErr, "status unavailable")
			return
		}
		snap := newStatusResponse(st)
		if last == nil || !sameSnapshot(last, &snap) {
			if err := wsWriteJSON(conn, snap); err != nil {
				log.Debug("websocket write", "error", err)
				return
			}
			last = &snap
		}
		if st.Terminal() {
			wsClose(conn, websocket.CloseNormalClosure, "run "+string(st.Status))
			return
		}

		select {
		case <-ctx.Done():
			wsClose(conn, websocket.CloseGoingAway, "server closing")
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-ticker.C:
		}
	}
}

// sameSnapshot reports whether b adds nothing over a.
func sameSnapshot(a, b *statusResponse) bool {
	return a.RuntimeStatus == b.RuntimeStatus &&
		a.CustomStatus == b.CustomStatus &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func wsWriteJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("websocket marshal", "error", err)
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func wsClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
