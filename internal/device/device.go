// ============================================================================
// AUTOMIC Device Interface
// ============================================================================
//
// Package: internal/device
// File: device.go
// Purpose: Contract between the operator session and the motion-control
//          service that drives the ClearCore motors
//
// Operations:
//   HealthCheck    GET  /health         {status: healthy}
//   Move           POST /move           {status: success, position}
//   Calibrate      POST /calibrate      {status: calibrated, position}
//   EmergencyStop  POST /emergency-stop {status: stopped}
//   FetchConfig    GET  /config         {geometry: {width, height, z_height}}
//   MotorStatus    GET  /motors/status  {motors: {...}, all_connected}
//
// Implementations:
//   - HTTPClient: talks to the real backend over REST
//   - Simulator:  in-memory controller for tests and cmd/mock-controller
//
// Every failure is reported as *Error so callers can log the reason and
// transports can map it to their own status codes.
//
// ============================================================================

package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/automic/pkg/types"
)

// HealthStatus reported by the controller.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// HealthChecker probes the controller.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// Mover issues position commands. Both calls return the position the
// controller now reports as current.
type Mover interface {
	Move(ctx context.Context, target types.Position) (types.Position, error)
	Calibrate(ctx context.Context, actual types.Position) (types.Position, error)
}

// Device is the full controller surface used by a session.
type Device interface {
	HealthChecker
	Mover
	EmergencyStop(ctx context.Context) error
	FetchConfig(ctx context.Context) (types.SystemConfig, error)
	MotorStatus(ctx context.Context) (types.MotorReport, error)
}

// Operation names used in errors.
const (
	OpHealth    = "check health"
	OpMove      = "move"
	OpCalibrate = "calibrate"
	OpStop      = "emergency stop"
	OpConfig    = "fetch config"
	OpMotors    = "query motor status"
)

var (
	// ErrUnexpectedResponse means the controller answered with a body the
	// client does not understand.
	ErrUnexpectedResponse = errors.New("unexpected controller response")
)

// Error is a failed controller call.
type Error struct {
	Op         string // one of the Op* constants
	StatusCode int    // HTTP status, 0 for transport failures
	Reason     string // controller-supplied detail, if any
	Err        error  // underlying cause, if any
}

func (e *Error) Error() string {
	reason := e.Reason
	if reason == "" && e.Err != nil {
		reason = e.Err.Error()
	}
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("Failed to %s: %s", e.Op, reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Rejected reports whether the controller refused the request itself
// (4xx) rather than failing to carry it out.
func (e *Error) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
