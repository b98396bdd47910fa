// Package gateway performs the remote write for a queued operation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "offline-submission-queue/internal/errors"
	"offline-submission-queue/internal/models"
	"offline-submission-queue/internal/telemetry"
)

const defaultTimeout = 15 * time.Second

// Request is one remote write. IdempotencyKey is the operation id and is stable
// across retries so the backend can collapse duplicates.
type Request struct {
	IdempotencyKey string
	Kind           models.Kind
	Method         models.Method
	Target         string
	Body           map[string]any
}

// RequestFor builds the request for op. Attachment URLs already recorded on op
// are resolved into the body.
func RequestFor(op models.QueuedOperation) (Request, error) {
	body, err := op.Document()
	if err != nil {
		return Request{}, fmt.Errorf("render operation %s: %w", op.ID, err)
	}
	return Request{
		IdempotencyKey: op.ID,
		Kind:           op.Kind,
		Method:         op.Method,
		Target:         op.Target,
		Body:           body,
	}, nil
}

// Gateway executes remote writes. Errors classified PERMANENT_DELIVERY mean the
// backend rejected the write; any other error is retried.
type Gateway interface {
	Execute(ctx context.Context, req Request) error
}

// Func adapts a function to Gateway.
type Func func(ctx context.Context, req Request) error

func (f Func) Execute(ctx context.Context, req Request) error { return f(ctx, req) }

// HTTPGateway maps operations onto a REST backend.
type HTTPGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPGateway creates a gateway for baseURL. token, when set, is sent as a
// bearer token. timeout bounds each call; zero uses a default.
func NewHTTPGateway(baseURL, token string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute sends req and classifies the response.
func (g *HTTPGateway) Execute(ctx context.Context, req Request) error {
	method, err := httpMethod(req.Method)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPermanentDelivery, "build request", err)
	}
	if strings.TrimSpace(req.Target) == "" {
		return apperrors.New(apperrors.ErrPermanentDelivery, "operation has no target")
	}

	var body io.Reader
	if method != http.MethodDelete {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrPermanentDelivery, "marshal body", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.endpoint(req.Target), body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPermanentDelivery, "build request", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	telemetry.GatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientDelivery, fmt.Sprintf("%s %s", method, req.Target), err)
	}
	defer func() { _ = resp.Body.Close() }()

	return classify(resp)
}

func (g *HTTPGateway) endpoint(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return g.baseURL + "/" + strings.TrimLeft(target, "/")
}

func httpMethod(m models.Method) (string, error) {
	switch m {
	case models.MethodCreate:
		return http.MethodPost, nil
	case models.MethodReplace:
		return http.MethodPut, nil
	case models.MethodDelete:
		return http.MethodDelete, nil
	case models.MethodPatch:
		return http.MethodPatch, nil
	}
	return "", fmt.Errorf("unknown method %q", m)
}

// classify maps a response status to a delivery outcome. 2xx is success; timeouts,
// throttling and server errors are retried; any other 4xx is a rejection.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	cause := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperrors.Wrap(apperrors.ErrTransientDelivery, "gateway unavailable", cause)
	case resp.StatusCode >= 400:
		return apperrors.Wrap(apperrors.ErrPermanentDelivery, "gateway rejected operation", cause)
	default:
		return apperrors.Wrap(apperrors.ErrTransientDelivery, "unexpected gateway response", cause)
	}
}

// StatusError carries a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
