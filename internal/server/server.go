// Package server exposes spawn streams, message intake and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/daemon"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/observe"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options wires a Server.
type Options struct {
	Addr      string
	Manager   *spawn.Manager
	Processor *daemon.Processor
	Pool      *daemon.Pool
	Observer  *observe.Observer
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the murmur HTTP surface.
type Server struct {
	manager   *spawn.Manager
	processor *daemon.Processor
	pool      *daemon.Pool
	observer  *observe.Observer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
}

// New builds the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:   opts.Manager,
		processor: opts.Processor,
		pool:      opts.Pool,
		observer:  opts.Observer,
		metrics:   opts.Metrics,
		logger:    logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /channels/{channel}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /spawns/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /spawns/{id}/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type postMessageRequest struct {
	As      string `json:"as"`
	Content string `json:"content"`
	SpawnID string `json:"spawn_id,omitempty"`
}

// handlePostMessage stores the message and acknowledges before processing.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, core.NewValidationError("invalid request body: %v", err))
		return
	}
	if req.As == "" {
		writeError(w, core.NewValidationError("as is required"))
		return
	}
	result, err := s.processor.Send(r.Context(), r.PathValue("channel"), req.As, req.Content, daemon.SendOptions{
		SpawnID: req.SpawnID,
		Async:   s.pool,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsValidation(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
