package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"schoolsync/internal/api"
	"schoolsync/internal/config"
	"schoolsync/internal/models"
	"schoolsync/internal/remote"

	"github.com/rs/zerolog"
)

// collections maps API collections to record resources.
var collections = map[string]string{
	"students":   models.ResourceStudent,
	"attendance": models.ResourceAttendance,
	"grades":     models.ResourceGrade,
	"payments":   models.ResourcePayment,
}

// Server is a small reference implementation of the school API. It keeps
// records in memory and honors idempotency keys and version preconditions.
type Server struct {
	store       *Store
	logger      *zerolog.Logger
	handler     http.Handler
	server      *http.Server
	unavailable atomic.Bool
}

func New(cfg config.ServerConfig, store *Store, logger *zerolog.Logger) *Server {
	s := &Server{store: store, logger: logger}
	auth := api.NewHTTPAuth(cfg.Auth, cfg.RateLimit, api.ReadWritePermissions("records"), "/healthz")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/v1/students", s.mutation(s.createAs(models.KindCreateStudent)))
	mux.HandleFunc("PUT /api/v1/students/{id}", s.mutation(s.updateAs(models.KindUpdateStudent, "studentId")))
	mux.HandleFunc("DELETE /api/v1/students/{id}", s.mutation(s.deleteStudent))
	mux.HandleFunc("POST /api/v1/attendance", s.mutation(s.createAs(models.KindCreateAttendance)))
	mux.HandleFunc("POST /api/v1/grades", s.mutation(s.createAs(models.KindRecordGrade)))
	mux.HandleFunc("PUT /api/v1/grades/{id}", s.mutation(s.updateAs(models.KindUpdateGrade, "gradeId")))
	mux.HandleFunc("POST /api/v1/payments", s.mutation(s.createAs(models.KindRecordPayment)))
	mux.HandleFunc("GET /api/v1/{collection}/{id}", s.handleFetch)

	s.handler = api.LoggingMiddleware(logger, s.available(auth.Wrap(mux)))
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Store() *Store {
	return s.store
}

// SetUnavailable makes every request, health checks included, answer 503.
func (s *Server) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("School API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) available(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable.Load() {
			api.WriteError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	resource, ok := collections[r.PathValue("collection")]
	if !ok {
		api.WriteError(w, http.StatusNotFound, "unknown collection")
		return
	}
	rec, ok := s.store.Get(models.TargetOf(resource, r.PathValue("id")))
	if !ok {
		api.WriteError(w, http.StatusNotFound, errNotFound.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, rec)
}

// handlerFunc runs with the store locked and returns the status and body
// to send.
type handlerFunc func(r *http.Request, body []byte) (int, any)

// mutation serializes writes and replays the stored response for a
// repeated Idempotency-Key. Only responses that settle the operation are
// remembered: a rebased retry of a 409 must reach the handler again.
func (s *Server) mutation(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "cannot read body")
			return
		}
		key := r.Header.Get(remote.IdempotencyHeader)

		s.store.mu.Lock()
		defer s.store.mu.Unlock()

		if key != "" {
			if cached, ok := s.store.replays[key]; ok {
				s.logger.Debug().Str("key", key).Int("status", cached.status).Msg("Replaying stored response")
				writeRaw(w, cached.status, cached.body)
				return
			}
		}

		status, payload := h(r, body)
		data, err := json.Marshal(payload)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if key != "" && settled(status) {
			s.store.replays[key] = response{status: status, body: data}
		}
		writeRaw(w, status, data)
	}
}

// settled reports whether a response is final for its idempotency key.
// 404 is left out: the student a record depends on may appear later.
func settled(status int) bool {
	switch {
	case status >= 200 && status < 300:
		return true
	case status == http.StatusBadRequest, status == http.StatusGone, status == http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func (s *Server) createAs(kind models.Kind) handlerFunc {
	return func(_ *http.Request, body []byte) (int, any) {
		m, status, errBody := decode(kind, body)
		if m == nil {
			return status, errBody
		}

		rec, created, err := s.store.create(m)
		if err != nil {
			return failure(err)
		}
		if created {
			s.logger.Info().Str("target", m.Target()).Msg("Record created")
			return http.StatusCreated, rec
		}
		return http.StatusOK, rec
	}
}

// updateAs decodes an update whose id comes from the path.
func (s *Server) updateAs(kind models.Kind, idField string) handlerFunc {
	return func(r *http.Request, body []byte) (int, any) {
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return http.StatusBadRequest, api.ErrorBody{Error: "invalid JSON body"}
		}
		id := r.PathValue("id")
		if v, ok := raw[idField].(string); ok && v != "" && v != id {
			return http.StatusBadRequest, api.ErrorBody{Error: idField + " does not match the path"}
		}
		raw[idField] = id
		body, _ = json.Marshal(raw)

		m, status, errBody := decode(kind, body)
		if m == nil {
			return status, errBody
		}
		rebaser, ok := m.(models.Rebaser)
		if !ok {
			return http.StatusBadRequest, api.ErrorBody{Error: fmt.Sprintf("%s is not an update", kind)}
		}

		rec, err := s.store.update(rebaser)
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, rec
	}
}

func (s *Server) deleteStudent(r *http.Request, _ []byte) (int, any) {
	rec, err := s.store.remove(models.TargetOf(models.ResourceStudent, r.PathValue("id")))
	if err != nil {
		return failure(err)
	}
	return http.StatusOK, rec
}

func decode(kind models.Kind, body []byte) (models.Mutation, int, any) {
	m, err := models.DecodeMutation(kind, body)
	if err != nil {
		return nil, http.StatusBadRequest, api.ErrorBody{Error: err.Error()}
	}
	if fields := models.Validate(m); len(fields) > 0 {
		return nil, http.StatusUnprocessableEntity, api.ErrorBody{Error: "validation failed", Fields: fields}
	}
	return m, 0, nil
}

func failure(err error) (int, any) {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, api.ErrorBody{Error: err.Error()}
	case errors.Is(err, errGone):
		return http.StatusGone, api.ErrorBody{Error: err.Error()}
	case errors.Is(err, errConflict), errors.Is(err, errVersion):
		return http.StatusConflict, api.ErrorBody{Error: err.Error()}
	default:
		return http.StatusBadRequest, api.ErrorBody{Error: err.Error()}
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
