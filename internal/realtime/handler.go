package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/metrics"
	"github.com/schoolab/ecole/internal/schema"
)

const (
	maxBatchBytes = 1 << 20
	writeTimeout  = 10 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// BatchRequest is the body of POST /api/grades/batch.
type BatchRequest struct {
	Updates  []schema.GradeUpdate `json:"updates" validate:"min=1,dive"`
	SenderID string               `json:"senderId,omitempty" validate:"max=128"`
}

// requestError is a client mistake, reported as 400.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/api/classes", s.handleClasses)
	r.Get("/api/classes/{id}/full", s.handleClassFull)
	r.Post("/api/grades/batch", s.handleGradeBatch)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/ws", s.handleWebSocket)
	r.Get("/api/info", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metricsHandler)
	return r
}

var metricsHandler = metrics.Handler()

// handleClasses lists the classes of the active academic year, or every
// class with ?all=true.
func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	list := s.store.ListActiveClasses
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list = s.store.ListClasses
	}
	classes, err := list(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, classes)
}

func (s *Server) handleClassFull(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, &requestError{fmt.Errorf("invalid class id %q", chi.URLParam(r, "id"))})
		return
	}
	roster, err := s.store.ClassRoster(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

// handleGradeBatch commits a grade batch and announces it. A batch that
// fails anywhere is rolled back by the store and never announced.
func (s *Server) handleGradeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	body := http.MaxBytesReader(w, r.Body, maxBatchBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		metrics.GradeBatches.WithLabelValues("rejected").Inc()
		s.writeError(w, &requestError{fmt.Errorf("malformed batch: %w", err)})
		return
	}
	if err := validate.Struct(&req); err != nil {
		metrics.GradeBatches.WithLabelValues("rejected").Inc()
		s.writeError(w, &requestError{fmt.Errorf("invalid batch: %w", err)})
		return
	}

	if err := s.store.UpsertGrades(r.Context(), req.Updates); err != nil {
		metrics.GradeBatches.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("sender", req.SenderID).Int("updates", len(req.Updates)).Msg("grade batch rolled back")
		s.writeError(w, err)
		return
	}
	metrics.GradeBatches.WithLabelValues("success").Inc()

	n := s.hub.Publish(Event{
		Event:    EventDBChanged,
		SenderID: req.SenderID,
		DeviceID: s.cfg.DeviceID,
		Type:     TypeGradeUpdate,
		Updates:  req.Updates,
	})
	s.log.Debug().Str("sender", req.SenderID).Int("updates", len(req.Updates)).Int("listeners", n).Msg("grade batch committed")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleEvents streams events as server-sent events. The stream opens with
// a "connected" comment once the listener is registered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	l := s.hub.Subscribe("sse")
	defer s.hub.Remove(l)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(frame string) error {
		_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(": connected\n\n"); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			frame := ": json-error\n\n"
			if data, err := json.Marshal(ev); err == nil {
				frame = "data: " + string(data) + "\n\n"
			}
			if err := send(frame); err != nil {
				s.log.Debug().Err(err).Msg("event stream write failed")
				return
			}
			ticker.Reset(s.cfg.KeepAlive)

		case <-ticker.C:
			if err := send(": keep-alive\n\n"); err != nil {
				return
			}
		}
	}
}

// handleWebSocket streams the same events over a WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	l := s.hub.Subscribe("ws")
	defer s.hub.Remove(l)

	// Peers never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-l.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
			ticker.Reset(s.cfg.KeepAlive)

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"listeners": s.hub.Len(),
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps a failure to its HTTP status and error code.
func statusOf(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, db.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, db.ErrConstraint), errors.Is(err, db.ErrInvalid):
		return http.StatusUnprocessableEntity, "CONSTRAINT_VIOLATION"
	case errors.Is(err, db.ErrBusy):
		return http.StatusServiceUnavailable, "STORE_BUSY"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
