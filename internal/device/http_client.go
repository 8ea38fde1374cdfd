package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/automic/pkg/types"
	"github.com/google/uuid"
)

// RequestIDHeader carries a per-command id so controller logs can be
// correlated with the operator log.
const RequestIDHeader = "X-Request-ID"

const maxResponseBytes = 1 << 20

// HTTPClient implements Device against the REST motion-control backend.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for the backend at baseURL
// (e.g. http://localhost:8000).
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend address.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

type coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type positionResponse struct {
	Status   string         `json:"status"`
	Position types.Position `json:"position"`
}

// HealthCheck returns Healthy only when the backend answers
// {"status": "healthy"}.
func (c *HTTPClient) HealthCheck(ctx context.Context) (HealthStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, OpHealth, http.MethodGet, "/health", nil, &resp); err != nil {
		return Unhealthy, err
	}
	if HealthStatus(resp.Status) != Healthy {
		return Unhealthy, nil
	}
	return Healthy, nil
}

// Move commands an absolute position.
func (c *HTTPClient) Move(ctx context.Context, target types.Position) (types.Position, error) {
	var resp positionResponse
	body := coordinates{X: target.X, Y: target.Y, Z: target.Z}
	if err := c.do(ctx, OpMove, http.MethodPost, "/move", body, &resp); err != nil {
		return types.Position{}, err
	}
	if resp.Status != "success" {
		return types.Position{}, &Error{Op: OpMove, Reason: fmt.Sprintf("controller status %q", resp.Status), Err: ErrUnexpectedResponse}
	}
	return resp.Position, nil
}

// Calibrate tells the controller where the microphone is right now.
func (c *HTTPClient) Calibrate(ctx context.Context, actual types.Position) (types.Position, error) {
	var resp positionResponse
	body := coordinates{X: actual.X, Y: actual.Y, Z: actual.Z}
	if err := c.do(ctx, OpCalibrate, http.MethodPost, "/calibrate", body, &resp); err != nil {
		return types.Position{}, err
	}
	switch resp.Status {
	case "calibrated", "success":
	default:
		return types.Position{}, &Error{Op: OpCalibrate, Reason: fmt.Sprintf("controller status %q", resp.Status), Err: ErrUnexpectedResponse}
	}
	return resp.Position, nil
}

// EmergencyStop halts every motor.
func (c *HTTPClient) EmergencyStop(ctx context.Context) error {
	return c.do(ctx, OpStop, http.MethodPost, "/emergency-stop", nil, nil)
}

// FetchConfig reads the controller geometry.
func (c *HTTPClient) FetchConfig(ctx context.Context) (types.SystemConfig, error) {
	var cfg types.SystemConfig
	if err := c.do(ctx, OpConfig, http.MethodGet, "/config", nil, &cfg); err != nil {
		return types.SystemConfig{}, err
	}
	return cfg, nil
}

// MotorStatus reports per-motor reachability.
func (c *HTTPClient) MotorStatus(ctx context.Context) (types.MotorReport, error) {
	var report types.MotorReport
	if err := c.do(ctx, OpMotors, http.MethodGet, "/motors/status", nil, &report); err != nil {
		return types.MotorReport{}, err
	}
	return report, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Reason: "invalid request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Controller request failed", "op", op, "request_id", requestID, "error", err)
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("Controller request",
		"op", op,
		"request_id", requestID,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Reason: failureReason(resp.StatusCode, data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Reason: "malformed response", Err: fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)}
	}
	return nil
}

// failureReason prefers the backend's {"detail": "..."} body and falls back
// to the HTTP status text.
func failureReason(status int, body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}
