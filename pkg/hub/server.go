package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/trunk"
)

const (
	shutdownTimeout = 5 * time.Second
	wsWriteTimeout  = 10 * time.Second
)

// Controller is the part of the tracker the HTTP API talks to.
type Controller interface {
	SetControlFreq(ctx context.Context, freq int) error
	Status(ctx context.Context) (trunk.Status, error)
}

// Server exposes the live event stream and the control endpoints:
//
//	GET /subscribe  server-sent event stream
//	GET /ws         websocket event stream
//	GET /ctlfreq    current control channel frequency
//	PUT /ctlfreq    move to a new control channel
//	GET /status     tracker and hub state
type Server struct {
	hub        *Hub
	controller Controller
	logger     zerolog.Logger
	srv        *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(bind string, h *Hub, controller Controller, logger zerolog.Logger) *Server {
	s := &Server{
		hub:        h,
		controller: controller,
		logger:     logger.With().Str("component", "http").Logger(),
	}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/subscribe", s.handleSubscribe)
	router.HandlerFunc(http.MethodGet, "/ws", s.handleWebsocket)
	router.HandlerFunc(http.MethodGet, "/ctlfreq", s.handleGetCtlFreq)
	router.HandlerFunc(http.MethodPut, "/ctlfreq", s.handlePutCtlFreq)
	router.HandlerFunc(http.MethodGet, "/status", s.handleStatus)

	s.srv = &http.Server{Addr: bind, Handler: router}
	return s
}

// Start serves until ctx closes, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("bind", s.srv.Addr).Msg("http server starting")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return errors.Wrap(err, "hub: http server")
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn().Err(err).Msg("event marshal failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// Reader only consumes control frames; any read error ends the
	// session.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

type ctlFreqBody struct {
	Frequency int `json:"frequency"`
}

func (s *Server) handleGetCtlFreq(w http.ResponseWriter, r *http.Request) {
	status, err := s.controller.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, ctlFreqBody{Frequency: status.ControlFreq})
}

func (s *Server) handlePutCtlFreq(w http.ResponseWriter, r *http.Request) {
	var body ctlFreqBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.controller.SetControlFreq(r.Context(), body.Frequency); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, ctlFreqBody{Frequency: body.Frequency})
}

type statusBody struct {
	Tracker     trunk.Status `json:"tracker"`
	Subscribers int          `json:"subscribers"`
	Dropped     uint64       `json:"dropped_events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.controller.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, statusBody{
		Tracker:     status,
		Subscribers: s.hub.Subscribers(),
		Dropped:     s.hub.Dropped(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
