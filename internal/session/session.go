// ============================================================================
// AUTOMIC Session - operator session coordinator
// ============================================================================
//
// Package: internal/session
// File: session.go
// Purpose: Owns every piece of mutable operator state and wires the core
//          components together
//
// Components:
//   - eventlog.Log:         operator-facing log, shared sink
//   - connection.Manager:   Connected/Disconnected
//   - position.Controller:  pending/confirmed position and Idle/Moving
//   - device.Device:        the motion-control backend
//   - Recorder:             optional metrics sink
//
// Lifecycle:
//   New -> Start (fetch controller geometry) -> ... -> Close
//
// Transports (gRPC, web panel, console) hold a *Session and call it
// directly; there is no package-level state.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/automic/internal/connection"
	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/eventlog"
	"github.com/ChuLiYu/automic/internal/geometry"
	"github.com/ChuLiYu/automic/internal/metrics"
	"github.com/ChuLiYu/automic/internal/position"
	"github.com/ChuLiYu/automic/pkg/types"
)

var (
	// ErrUnknownPreset is returned by LoadPreset for a name not in the catalog.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("session closed")
)

// Operator log messages.
const (
	MsgEStopRequested    = "Emergency stop requested"
	MsgEStopAcknowledged = "Emergency stop acknowledged"
	MsgAllMotorsOK       = "All motors reachable"
)

// Config for a Session.
type Config struct {
	Volume  types.WorkingVolume // used until, or instead of, the controller geometry
	Initial types.Position
	Timeout time.Duration // per device call, zero means unbounded
	Presets []types.Preset
}

// Recorder receives session metrics. *metrics.Collector satisfies it.
type Recorder interface {
	RecordMove(outcome string, duration time.Duration)
	RecordCalibration(outcome string)
	RecordConnect(connected bool)
	RecordEmergencyStop(err error)
	RecordLogEntry(level string)
	SetConnected(connected bool)
	SetMoving(moving bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordMove(string, time.Duration) {}
func (nopRecorder) RecordCalibration(string)         {}
func (nopRecorder) RecordConnect(bool)               {}
func (nopRecorder) RecordEmergencyStop(error)        {}
func (nopRecorder) RecordLogEntry(string)            {}
func (nopRecorder) SetConnected(bool)                {}
func (nopRecorder) SetMoving(bool)                   {}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the process logger. Operator log entries are mirrored to
// it with a session attribute.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics records session activity on r.
func WithMetrics(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.metrics = r
		}
	}
}

// Session is one operator's control session. It is safe for concurrent use.
type Session struct {
	id        string
	startedAt time.Time

	device  device.Device
	events  *eventlog.Log
	conn    *connection.Manager
	pos     *position.Controller
	presets []types.Preset
	timeout time.Duration

	metrics Recorder
	logger  *slog.Logger

	mu          sync.Mutex
	closed      bool
	unsubscribe func()
}

// New creates a disconnected, idle session.
func New(cfg Config, dev device.Device, opts ...Option) (*Session, error) {
	s := &Session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		device:    dev,
		timeout:   cfg.Timeout,
		presets:   append([]types.Preset(nil), cfg.Presets...),
		metrics:   nopRecorder{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)

	s.events = eventlog.New(s.logger)
	s.conn = connection.NewManager(dev, s.events, cfg.Timeout, s.logger)

	pos, err := position.NewController(position.Config{
		Volume:  cfg.Volume,
		Initial: cfg.Initial,
		Timeout: cfg.Timeout,
		OnMotionChange: func(m types.MotionState) {
			s.metrics.SetMoving(m == types.Moving)
		},
	}, dev, s.conn, s.events, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create position controller: %w", err)
	}
	s.pos = pos

	s.unsubscribe = s.events.Subscribe(func(e types.LogEntry) {
		s.metrics.RecordLogEntry(string(e.Level))
	})
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start loads the working volume from the controller configuration. On
// failure the configured volume stays in effect and a warning is logged.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.logger.Info("Session started", "volume", s.pos.Volume())

	ctx, cancel := s.deviceContext(ctx)
	defer cancel()

	cfg, err := s.device.FetchConfig(ctx)
	var vol types.WorkingVolume
	if err == nil {
		vol, err = geometry.VolumeFromConfig(cfg)
	}
	if err == nil {
		err = s.pos.SetVolume(vol)
	}
	if err != nil {
		s.events.Warn("Using default working volume: " + Reason(err))
		return nil
	}
	s.logger.Info("Working volume loaded from controller", "x_max", vol.XMax, "y_max", vol.YMax, "z_max", vol.ZMax)
	return nil
}

// Close detaches listeners. Later commands fail with ErrClosed. Calling
// Close twice is harmless.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	unsubscribe()
	s.logger.Info("Session closed")
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// ============================================================================
// Connection
// ============================================================================

// Connect probes the controller. Failures end up in the operator log.
func (s *Session) Connect(ctx context.Context) (types.ConnectionState, error) {
	if err := s.checkOpen(); err != nil {
		return types.Disconnected, err
	}
	if s.conn.IsConnected() {
		return types.Connected, nil
	}
	state := s.conn.Connect(ctx)
	s.metrics.RecordConnect(state == types.Connected)
	s.metrics.SetConnected(state == types.Connected)
	return state, nil
}

// Disconnect drops the connection locally.
func (s *Session) Disconnect() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.conn.Disconnect()
	s.metrics.SetConnected(false)
	return nil
}

// ToggleConnection disconnects when connected and connects otherwise.
func (s *Session) ToggleConnection(ctx context.Context) (types.ConnectionState, error) {
	if err := s.checkOpen(); err != nil {
		return s.conn.State(), err
	}
	state, probed := s.conn.Toggle(ctx)
	if probed {
		s.metrics.RecordConnect(state == types.Connected)
	}
	s.metrics.SetConnected(state == types.Connected)
	return state, nil
}

// ============================================================================
// Position
// ============================================================================

// EditAxis forwards one operator keystroke to the pending position.
func (s *Session) EditAxis(axis types.Axis, raw string) (types.Position, error) {
	if err := s.checkOpen(); err != nil {
		return types.Position{}, err
	}
	return s.pos.EditAxis(axis, raw), nil
}

// ResetInputs zeroes the pending position.
func (s *Session) ResetInputs() (types.Position, error) {
	if err := s.checkOpen(); err != nil {
		return types.Position{}, err
	}
	return s.pos.ResetInputs(), nil
}

// ApplyPosition moves the rig to the pending position.
func (s *Session) ApplyPosition(ctx context.Context) (types.Position, error) {
	if err := s.checkOpen(); err != nil {
		return types.Position{}, err
	}
	start := time.Now()
	pos, err := s.pos.ApplyPosition(ctx)
	s.metrics.RecordMove(outcome(err), time.Since(start))
	return pos, err
}

// Calibrate redefines the controller's current position.
func (s *Session) Calibrate(ctx context.Context, actual types.Position) (types.Position, error) {
	if err := s.checkOpen(); err != nil {
		return types.Position{}, err
	}
	pos, err := s.pos.Calibrate(ctx, actual)
	s.metrics.RecordCalibration(outcome(err))
	return pos, err
}

// Presets returns the preset catalog.
func (s *Session) Presets() []types.Preset {
	return append([]types.Preset(nil), s.presets...)
}

// LoadPreset makes a catalog position the confirmed and pending position
// without contacting the controller. Names match case-insensitively.
func (s *Session) LoadPreset(name string) (types.Position, error) {
	if err := s.checkOpen(); err != nil {
		return types.Position{}, err
	}
	for _, p := range s.presets {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		pos, err := s.pos.OnExternalPositionChange(p.Position)
		if err != nil {
			return types.Position{}, err
		}
		s.events.Info("Loaded preset: " + pos.String())
		return pos, nil
	}
	return types.Position{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}

// ============================================================================
// Controller-wide commands
// ============================================================================

// EmergencyStop is sent immediately regardless of connection or motion
// state. Motion state is not changed.
func (s *Session) EmergencyStop(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.events.Warn(MsgEStopRequested)

	ctx, cancel := s.deviceContext(ctx)
	defer cancel()

	err := s.device.EmergencyStop(ctx)
	s.metrics.RecordEmergencyStop(err)
	if err != nil {
		s.events.Error("Emergency stop failed: " + Reason(err))
		return err
	}
	s.events.Info(MsgEStopAcknowledged)
	return nil
}

// CheckMotors asks the controller which motors answer and logs the result.
func (s *Session) CheckMotors(ctx context.Context) (types.MotorReport, error) {
	if err := s.checkOpen(); err != nil {
		return types.MotorReport{}, err
	}
	ctx, cancel := s.deviceContext(ctx)
	defer cancel()

	report, err := s.device.MotorStatus(ctx)
	if err != nil {
		s.events.Error("Motor status check failed: " + Reason(err))
		return types.MotorReport{}, err
	}
	if report.AllConnected {
		s.events.Info(MsgAllMotorsOK)
		return report, nil
	}
	for _, name := range slices.Sorted(maps.Keys(report.Motors)) {
		if status := report.Motors[name]; status != "connected" {
			s.events.Warn(fmt.Sprintf("Motor %s unreachable: %s", name, status))
		}
	}
	return report, nil
}

// ============================================================================
// Readers
// ============================================================================

// State returns a snapshot of everything the presentation layer renders.
func (s *Session) State() types.SessionState {
	snap := s.pos.Snapshot()
	return types.SessionState{
		SessionID:  s.id,
		Connection: s.conn.State(),
		Motion:     snap.Motion,
		Confirmed:  snap.Confirmed,
		Pending:    snap.Pending,
		Volume:     snap.Volume,
		StartedAt:  s.startedAt,
	}
}

// Logs returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Session) Logs(limit int) []types.LogEntry {
	return s.events.Entries(limit)
}

// Subscribe registers fn for every new operator log entry.
func (s *Session) Subscribe(fn eventlog.Listener) (cancel func()) {
	return s.events.Subscribe(fn)
}

// deviceContext bounds a device call by the configured timeout only. The
// caller's cancellation is dropped: once issued, a call runs to resolution.
func (s *Session) deviceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// Reason extracts the operator-facing reason from a device failure.
func Reason(err error) string {
	var devErr *device.Error
	if errors.As(err, &devErr) {
		if devErr.Reason != "" {
			return devErr.Reason
		}
		if devErr.Err != nil {
			return devErr.Err.Error()
		}
	}
	return err.Error()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, position.ErrNotConnected),
		errors.Is(err, position.ErrMoveInProgress),
		errors.Is(err, position.ErrCalibrationInProgress):
		return metrics.OutcomeRejected
	case errors.Is(err, position.ErrInvalidPosition):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeFailed
	}
}
