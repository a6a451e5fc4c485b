package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/partskiosk/internal/config"
	"github.com/ent0n29/partskiosk/internal/kiosk"
	"github.com/ent0n29/partskiosk/internal/observability"
	"github.com/ent0n29/partskiosk/internal/protocol"
	"github.com/ent0n29/partskiosk/internal/session"
	"github.com/ent0n29/partskiosk/internal/vision"
)

// Kiosk is the orchestrator surface the API drives.
type Kiosk interface {
	OnMotion(ctx context.Context, sig vision.Signal) (bool, error)
	EndSession(reason session.EndReason) error
	State() kiosk.State
	Subscribe() (<-chan kiosk.State, func())
}

// FrameSink receives camera stills.
type FrameSink interface {
	Push(frame []byte)
}

// MotionObserver scores camera stills for motion.
type MotionObserver interface {
	Observe(frame []byte) (vision.Signal, error)
}

const (
	maxFrameBytes    = 8 << 20
	displayPingEvery = 30 * time.Second
	displayReadWait  = 2 * displayPingEvery
)

type Server struct {
	cfg      config.Config
	kiosk    Kiosk
	frames   FrameSink
	motion   MotionObserver
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	signs    http.Handler
	checks   []readinessCheck
	// baseCtx bounds sessions started from camera frames, which outlive the
	// request that triggered them.
	baseCtx context.Context
}

func New(ctx context.Context, cfg config.Config, k Kiosk, frames FrameSink, motion MotionObserver, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		kiosk:   k,
		frames:  frames,
		motion:  motion,
		metrics: metrics,
		logger:  logger,
		baseCtx: ctx,
		signs:   http.StripPrefix("/signs/", http.FileServer(http.Dir(cfg.SignageDir))),
		checks:  defaultChecks(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the kiosk's own display page may subscribe from a browser.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Handle("/signs/*", s.signs)

	r.Post("/v1/kiosk/frames", s.handleFrame)
	r.Post("/v1/kiosk/motion", s.handleMotion)
	r.Post("/v1/kiosk/session/end", s.handleEndSession)
	r.Get("/v1/kiosk/state", s.handleState)
	r.Get("/v1/kiosk/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"phase":  s.kiosk.State().Phase,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks, ready := runChecks(s.checks)
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleFrame accepts one encoded camera still. Motion starts a session in
// the background so the camera loop never waits on a dial.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_frame", "empty body")
		return
	}
	if len(data) > maxFrameBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "frame_too_large", "frame exceeds 8 MiB")
		return
	}

	s.frames.Push(data)
	sig, err := s.motion.Observe(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}
	if sig.Detected {
		go s.startSession(sig)
	}
	respondJSON(w, http.StatusAccepted, sig)
}

func (s *Server) startSession(sig vision.Signal) {
	if _, err := s.kiosk.OnMotion(s.baseCtx, sig); err != nil {
		s.logger.Warn("motion-triggered session failed", zap.Error(err))
	}
}

type motionRequest struct {
	Detected bool    `json:"detected"`
	Score    float64 `json:"score"`
}

// handleMotion is the external trigger path; it waits for the session to
// open so the caller learns the outcome.
func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	var req motionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sig := vision.Signal{Detected: req.Detected, Score: req.Score, At: time.Now().UTC()}
	started, err := s.kiosk.OnMotion(r.Context(), sig)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "session_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"state":   s.kiosk.State(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, _ *http.Request) {
	if err := s.kiosk.EndSession(session.EndUser); err != nil {
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.kiosk.State())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.kiosk.State())
}

// handleEvents streams display state to the kiosk screen. A kiosk_status
// frame precedes the state whenever the status line changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("display_connected")
	defer s.metrics.SessionEvent("display_disconnected")

	updates, unsubscribe := s.kiosk.Subscribe()
	defer unsubscribe()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(displayReadWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(displayReadWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(displayPingEvery)
	defer ping.Stop()
	lastStatus := "\x00"
	for {
		select {
		case <-readerDone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case st, ok := <-updates:
			if !ok {
				return
			}
			for _, ev := range displayEvents(st, &lastStatus) {
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}

func displayEvents(st kiosk.State, lastStatus *string) []protocol.DisplayEvent {
	events := make([]protocol.DisplayEvent, 0, 2)
	if line := st.Status + "|" + st.Detail; line != *lastStatus {
		*lastStatus = line
		events = append(events, protocol.DisplayEvent{
			Type:      protocol.TypeKioskStatus,
			SessionID: st.SessionID,
			Status:    st.Status,
			Detail:    st.Detail,
			At:        st.UpdatedAt,
		})
	}
	events = append(events, protocol.DisplayEvent{
		Type:      protocol.TypeKioskState,
		SessionID: st.SessionID,
		State:     st,
		At:        st.UpdatedAt,
	})
	return events
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
