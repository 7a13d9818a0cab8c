package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/observe"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteWait = 10 * time.Second

// handleStream serves a spawn's events as server-sent events. Heartbeats are
// sent as keepalive comments.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sp, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.observer.Observe(r.Context(), sp.ID, func(e observe.Event) error {
		if e.Kind == observe.EventHeartbeat {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	s.logStreamEnd(sp.ID, "sse", err)
}

// handleWebSocket serves a spawn's events as JSON websocket messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sp, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only watches for the client going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.observer.Observe(ctx, sp.ID, func(e observe.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e)
	})
	s.logStreamEnd(sp.ID, "ws", err)

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	<-readerDone
}

func (s *Server) logStreamEnd(spawnID, kind string, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.logger.Debug("stream closed", zap.String("spawn", spawnID), zap.String("transport", kind))
	case errors.Is(err, core.ErrTimeout):
		s.logger.Info("stream timed out", zap.String("spawn", spawnID), zap.String("transport", kind))
	default:
		s.logger.Warn("stream failed", zap.String("spawn", spawnID), zap.String("transport", kind), zap.Error(err))
	}
}
