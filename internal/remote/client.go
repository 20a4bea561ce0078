package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"schoolsync/internal/config"
	"schoolsync/internal/domain"
	"schoolsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// IdempotencyHeader carries the operation id so the server can deduplicate
// replays.
const IdempotencyHeader = "Idempotency-Key"

// collections maps target resources to their API collection.
var collections = map[string]string{
	models.ResourceStudent:    "students",
	models.ResourceAttendance: "attendance",
	models.ResourceGrade:      "grades",
	models.ResourcePayment:    "payments",
}

// Client replays queued operations against the school API.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

// NewClient constructs a client from sync settings. MaxRPS <= 0 disables
// pacing.
func NewClient(cfg config.SyncConfig, logger *zerolog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiExtra:   cfg.APIExtra,
		httpClient: &http.Client{},
		timeout:    timeout,
		limiter:    limiter,
		logger:     logger,
	}
}

// errorBody is the error envelope of the school API.
type errorBody struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

// Apply performs the remote call for op. The returned error is one of the
// domain error types or nil.
func (c *Client) Apply(ctx context.Context, op *models.QueuedOperation) error {
	m, err := op.Mutation()
	if err != nil {
		return &domain.ValidationError{Message: "queued payload cannot be decoded: " + err.Error()}
	}

	method, path, err := route(m)
	if err != nil {
		return &domain.ValidationError{Message: err.Error()}
	}

	var body io.Reader
	if method != http.MethodDelete {
		data, err := json.Marshal(m)
		if err != nil {
			return &domain.ValidationError{Message: "encode payload: " + err.Error()}
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.TransportError{Op: string(op.Kind), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domain.ValidationError{Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(IdempotencyHeader, op.ID)
	c.addHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: string(op.Kind), Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("id", op.ID).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("dur", time.Since(start)).
		Msg("Replayed operation")

	if method == http.MethodDelete && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
		// Already gone: the delete's effect holds.
		return nil
	}
	return classify(resp, string(op.Kind), op.Target)
}

// Fetch returns the current server state of target.
func (c *Client) Fetch(ctx context.Context, target string) (*models.RemoteRecord, error) {
	resource, id, err := models.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	collection, ok := collections[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.TransportError{Op: "fetch", Err: err}
	}

	endpoint := fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, collection, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if err := classify(resp, "fetch", target); err != nil {
		return nil, err
	}

	var rec models.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, &domain.TransportError{Op: "fetch", Err: fmt.Errorf("decode record: %w", err)}
	}
	return &rec, nil
}

// Probe checks GET /healthz.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("healthz: http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}

func route(m models.Mutation) (method, path string, err error) {
	switch v := m.(type) {
	case models.CreateStudent:
		return http.MethodPost, "/api/v1/students", nil
	case models.UpdateStudent:
		return http.MethodPut, "/api/v1/students/" + url.PathEscape(v.StudentID), nil
	case models.DeleteStudent:
		return http.MethodDelete, "/api/v1/students/" + url.PathEscape(v.StudentID), nil
	case models.CreateAttendance:
		return http.MethodPost, "/api/v1/attendance", nil
	case models.RecordGrade:
		return http.MethodPost, "/api/v1/grades", nil
	case models.UpdateGrade:
		return http.MethodPut, "/api/v1/grades/" + url.PathEscape(v.GradeID), nil
	case models.RecordPayment:
		return http.MethodPost, "/api/v1/payments", nil
	default:
		return "", "", fmt.Errorf("no route for %T", m)
	}
}

// classify maps an HTTP response to the domain error taxonomy.
func classify(resp *http.Response, op, target string) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	if body.Error == "" {
		body.Error = http.StatusText(code)
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.AuthError{StatusCode: code, Message: body.Error}
	case code == http.StatusNotFound || code == http.StatusGone:
		return &domain.ConflictError{Reason: domain.ConflictStale, Target: target, Message: body.Error}
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return &domain.ConflictError{Reason: domain.ConflictConcurrent, Target: target, Message: body.Error}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &domain.ValidationError{Message: body.Error, Fields: body.Fields}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &domain.TransportError{Op: op, StatusCode: code, Err: errors.New(body.Error)}
	default:
		return fmt.Errorf("%s: unexpected http %d: %s", op, code, body.Error)
	}
}
