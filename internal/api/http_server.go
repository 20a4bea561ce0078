package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"schoolsync/internal/config"
	"schoolsync/internal/database"
	"schoolsync/internal/domain"
	"schoolsync/internal/events"
	"schoolsync/internal/export"
	"schoolsync/internal/models"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller is the manual control surface of the sync manager.
type Controller interface {
	Enqueue(ctx context.Context, m models.Mutation) (*models.QueuedOperation, error)
	TriggerSync(ctx context.Context) error
	Dismiss(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Status(ctx context.Context) models.SyncStatus
}

// Queue is the read side of the local queue.
type Queue interface {
	List(ctx context.Context) ([]models.QueuedOperation, error)
	Get(ctx context.Context, id string) (*models.QueuedOperation, error)
}

// SignalReporter accepts raw connectivity signals from the OS or UI.
type SignalReporter interface {
	Report(online bool)
}

type Exporter interface {
	Write(ctx context.Context, w io.Writer, now time.Time) error
}

// DeadLetterReader lists operations mirrored after they reached
// FAILED_TERMINAL, newest first. The mirror outlives dismissal.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int) ([]models.QueuedOperation, error)
}

// Deps are the collaborators of the control API. Exporter, DeadLetters and
// Hub are optional; their routes answer 404 when unset.
type Deps struct {
	Controller  Controller
	Queue       Queue
	Signals     SignalReporter
	Exporter    Exporter
	DeadLetters DeadLetterReader
	Hub         *Hub
}

// HTTPServer is the agent's local control API.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	logger  *zerolog.Logger
	server  *http.Server
	auth    *HTTPAuth
	handler http.Handler
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logger}
	srv.auth = NewHTTPAuth(cfg.Auth, cfg.RateLimit, ReadWritePermissions("queue"), "/healthz")

	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("POST /api/v1/operations", srv.handleEnqueue)
	mux.HandleFunc("GET /api/v1/operations", srv.handleList)
	mux.HandleFunc("GET /api/v1/operations/{id}", srv.handleGet)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", srv.handleDismiss)
	mux.HandleFunc("POST /api/v1/operations/{id}/retry", srv.handleRetry)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSync)
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("POST /api/v1/connectivity", srv.handleConnectivity)
	mux.HandleFunc("GET /api/v1/export", srv.handleExport)
	mux.HandleFunc("GET /api/v1/dead-letters", srv.handleDeadLetters)
	mux.HandleFunc("GET /api/v1/events", srv.handleEvents)

	srv.handler = LoggingMiddleware(logger, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the wrapped router.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("Control API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Kind    models.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := models.DecodeMutation(body.Kind, body.Payload)
	if err != nil {
		WriteJSON(w, http.StatusUnprocessableEntity, ErrorBody{Error: err.Error()})
		return
	}

	op, err := s.deps.Controller.Enqueue(r.Context(), AssignIDs(m))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, op)
}

// AssignIDs fills in client-generated ids missing from create payloads.
func AssignIDs(m models.Mutation) models.Mutation {
	switch v := m.(type) {
	case models.CreateStudent:
		if v.StudentID == "" {
			v.StudentID = uuid.NewString()
		}
		return v
	case models.RecordGrade:
		if v.GradeID == "" {
			v.GradeID = uuid.NewString()
		}
		return v
	case models.RecordPayment:
		if v.PaymentID == "" {
			v.PaymentID = uuid.NewString()
		}
		return v
	default:
		return m
	}
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	ops, err := s.deps.Queue.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, op)
}

func (s *HTTPServer) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Dismiss(r.Context(), r.PathValue("id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Retry(r.Context(), r.PathValue("id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, s.deps.Controller.Status(r.Context()))
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.TriggerSync(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.deps.Controller.Status(r.Context()))
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Controller.Status(r.Context()))
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		WriteError(w, http.StatusBadRequest, "online is required")
		return
	}
	if s.deps.Signals == nil {
		WriteError(w, http.StatusNotFound, "connectivity signals are not accepted")
		return
	}

	s.deps.Signals.Report(*body.Online)
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exporter == nil {
		WriteError(w, http.StatusNotFound, "export is disabled")
		return
	}

	now := time.Now()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(now)))
	if err := s.deps.Exporter.Write(r.Context(), w, now); err != nil {
		s.logger.Error().Err(err).Msg("Queue export failed")
		w.Header().Del("Content-Disposition")
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		WriteError(w, http.StatusNotFound, "dead letters are not kept")
		return
	}

	limit := models.DeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, models.DeadLetterLimit)
	}

	ops, err := s.deps.DeadLetters.DeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read dead letters")
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	WriteJSON(w, http.StatusOK, ops)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		WriteError(w, http.StatusNotFound, "event stream is disabled")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	var hello []byte
	if payload, err := json.Marshal(s.deps.Controller.Status(r.Context())); err == nil {
		hello, _ = json.Marshal(events.Event{Type: events.EventSyncStatus, Payload: payload, CreatedAt: time.Now()})
	}
	s.deps.Hub.serve(r.Context(), conn, hello)
}

// writeFailure maps domain and store errors to HTTP statuses.
func (s *HTTPServer) writeFailure(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		abort      *domain.AbortError
	)

	switch {
	case errors.As(err, &validation):
		WriteJSON(w, http.StatusUnprocessableEntity, ErrorBody{Error: err.Error(), Fields: validation.Fields})
	case errors.As(err, &abort):
		WriteJSON(w, http.StatusConflict, map[string]string{
			"error":        err.Error(),
			"operation_id": abort.OperationID,
			"reason":       abort.Reason,
		})
	case errors.Is(err, database.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrNotDismissable),
		errors.Is(err, database.ErrNotRetryable),
		errors.Is(err, domain.ErrAlreadySyncing):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrOffline), errors.Is(err, domain.ErrStopped):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	case domain.IsStorage(err):
		s.logger.Error().Err(err).Msg("Local queue storage failure")
		WriteError(w, http.StatusInsufficientStorage, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Control API request failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
