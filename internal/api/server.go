// Package api serves the sentinel's telemetry surface: REST snapshots of
// containers and incidents, Prometheus metrics, and a WebSocket that
// replays the live event stream to dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aryan877/sre-sentinel/internal/bus"
	"github.com/aryan877/sre-sentinel/internal/models"
)

// writeWait bounds every WebSocket send, the handshake included.
const writeWait = 10 * time.Second

// historyLimit caps how many events GET /events/history returns.
const historyLimit = bus.MaxHistorySize

// ContainerSource provides the current container snapshot.
type ContainerSource interface {
	SnapshotContainers() []models.ContainerState
}

// IncidentSource provides the current incident snapshot.
type IncidentSource interface {
	SnapshotIncidents() []models.Incident
}

// EventSource is the read side of the event bus.
type EventSource interface {
	Subscribe(ctx context.Context) (*bus.Subscription, error)
	History(ctx context.Context, limit int) ([]json.RawMessage, error)
}

// Server is the telemetry HTTP server.
type Server struct {
	containers ContainerSource
	incidents  IncidentSource
	events     EventSource
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	sendWait   time.Duration
}

// NewServer wires the telemetry surface to its data sources.
func NewServer(containers ContainerSource, incidents IncidentSource, events EventSource, logger zerolog.Logger) *Server {
	return &Server{
		containers: containers,
		incidents:  incidents,
		events:     events,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: writeWait,
			// Dashboards are served from arbitrary hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendWait: writeWait,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(*http.Request, string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/containers", s.handleContainers)
	r.Get("/incidents", s.handleIncidents)
	r.Get("/events/history", s.handleHistory)
	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContainers(w http.ResponseWriter, _ *http.Request) {
	states := s.containers.SnapshotContainers()
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	if states == nil {
		states = []models.ContainerState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleIncidents(w http.ResponseWriter, _ *http.Request) {
	incidents := s.incidents.SnapshotIncidents()
	if incidents == nil {
		incidents = []models.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.events.History(r.Context(), historyLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read event history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read event history"})
		return
	}
	if history == nil {
		history = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleWebSocket streams events to one dashboard connection: first a
// bootstrap frame with the current snapshots, then every bus event in
// order. Slow sends are skipped; a broken client just ends the loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("client", uuid.NewString()).Logger()
	logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("WebSocket client connected")
	defer logger.Info().Msg("WebSocket client disconnected")

	bootstrap := models.NewBootstrapEvent(s.containers.SnapshotContainers(), s.incidents.SnapshotIncidents())
	if err := s.sendJSON(conn, bootstrap); err != nil {
		if isTimeout(err) {
			s.closeWith(conn, websocket.CloseTryAgainLater, "bootstrap send timed out")
		}
		return
	}

	sub, err := s.events.Subscribe(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("WebSocket subscription failed")
		s.closeWith(conn, websocket.CloseInternalServerErr, "event subscription failed")
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: we never expect client frames, but reading is how
	// close frames and dead connections surface.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Events():
			if !ok {
				s.closeWith(conn, websocket.CloseInternalServerErr, "event stream closed")
				return
			}
			if err := s.sendRaw(conn, raw); err != nil {
				if isTimeout(err) {
					logger.Warn().Msg("WebSocket send timed out, dropping frame")
					continue
				}
				return
			}
		}
	}
}

func (s *Server) sendJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.sendWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *Server) sendRaw(conn *websocket.Conn, raw []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.sendWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send WebSocket close frame")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
