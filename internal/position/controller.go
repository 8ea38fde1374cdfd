// ============================================================================
// AUTOMIC Position Controller
// ============================================================================
//
// Package: internal/position
// File: controller.go
// Purpose: Pending vs confirmed position of the rig, move and calibrate
//          command issuance, and the Idle/Moving status
//
// Two-phase model:
//   pending   - what the operator is typing, may hold NaN per axis
//   confirmed - what the controller last acknowledged, always in bounds
//   Every device-confirmed update goes through syncLocked, which re-syncs
//   pending to confirmed.
//
// Motion state machine:
//   Idle --ApplyPosition(valid, connected)--> Moving --(success|failure)--> Idle
//
// Concurrency:
//   - mu guards all fields; it is never held across a device call
//   - the precondition check and the Idle->Moving transition happen under
//     one critical section, so at most one move is outstanding
//   - operator log entries are appended after mu is released
//
// ============================================================================

package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/eventlog"
	"github.com/ChuLiYu/automic/internal/geometry"
	"github.com/ChuLiYu/automic/pkg/types"
)

var (
	// ErrNotConnected rejects move and calibrate while disconnected.
	ErrNotConnected = errors.New("not connected to controller")
	// ErrMoveInProgress rejects a move while another is outstanding.
	ErrMoveInProgress = errors.New("move already in progress")
	// ErrCalibrationInProgress rejects overlapping calibrations.
	ErrCalibrationInProgress = errors.New("calibration already in progress")
	// ErrInvalidPosition is a client-side validation failure.
	ErrInvalidPosition = errors.New("invalid position")
)

// Operator log messages.
const (
	MsgMoveCompleted = "Move completed successfully"
	// MsgCalibrationInput is shown inline to the operator when the typed
	// calibration values are rejected.
	MsgCalibrationInput = "Please enter valid numbers for calibration."
)

// Link reports the connection state. *connection.Manager satisfies it.
type Link interface {
	IsConnected() bool
}

// Config for a Controller.
type Config struct {
	Volume  types.WorkingVolume
	Initial types.Position // clamped into Volume
	Timeout time.Duration  // per device call, zero means unbounded

	// OnMotionChange, if set, is called after every Idle/Moving transition
	// with no lock held.
	OnMotionChange func(types.MotionState)
}

// Snapshot is a consistent view of the controller state.
type Snapshot struct {
	Confirmed types.Position
	Pending   types.Position
	Motion    types.MotionState
	Volume    types.WorkingVolume
}

// Controller is safe for concurrent use.
type Controller struct {
	mu          sync.Mutex
	volume      types.WorkingVolume
	confirmed   types.Position
	pending     types.Position
	motion      types.MotionState
	calibrating bool

	device  device.Mover
	link    Link
	events  *eventlog.Log
	timeout time.Duration
	onMove  func(types.MotionState)
	logger  *slog.Logger
}

// NewController creates an idle controller with pending == confirmed ==
// cfg.Initial.
func NewController(cfg Config, dev device.Mover, link Link, events *eventlog.Log, logger *slog.Logger) (*Controller, error) {
	if err := geometry.CheckVolume(cfg.Volume); err != nil {
		return nil, err
	}
	if cfg.Initial.HasNaN() {
		return nil, fmt.Errorf("%w: initial position %s", ErrInvalidPosition, cfg.Initial)
	}
	if logger == nil {
		logger = slog.Default()
	}
	initial := geometry.ClampPosition(cfg.Initial, cfg.Volume)
	return &Controller{
		volume:    cfg.Volume,
		confirmed: initial,
		pending:   initial,
		motion:    types.Idle,
		device:    dev,
		link:      link,
		events:    events,
		timeout:   cfg.Timeout,
		onMove:    cfg.OnMotionChange,
		logger:    logger,
	}, nil
}

// ============================================================================
// Readers
// ============================================================================

// Snapshot returns the current state under one lock acquisition.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Confirmed: c.confirmed, Pending: c.pending, Motion: c.motion, Volume: c.volume}
}

func (c *Controller) Confirmed() types.Position { return c.Snapshot().Confirmed }

func (c *Controller) Pending() types.Position { return c.Snapshot().Pending }

func (c *Controller) Motion() types.MotionState { return c.Snapshot().Motion }

func (c *Controller) Volume() types.WorkingVolume { return c.Snapshot().Volume }

// ============================================================================
// Operator input
// ============================================================================

// EditAxis applies one keystroke-level edit to the pending position.
// Empty input clears the axis to NaN, a number is clamped into the volume,
// and anything else is ignored. It returns the resulting pending position.
func (c *Controller) EditAxis(axis types.Axis, raw string) types.Position {
	v, err := geometry.ParseAxisInput(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, geometry.ErrEmptyInput):
		c.pending = c.pending.With(axis, v)
	case err == nil:
		c.pending = c.pending.With(axis, geometry.Clamp(axis, v, c.volume))
	}
	return c.pending
}

// ResetInputs zeroes the pending position. Confirmed is untouched.
func (c *Controller) ResetInputs() types.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = types.Position{}
	return c.pending
}

// OnExternalPositionChange records a new confirmed position that did not
// come from a move, such as a preset, and re-syncs pending to it.
func (c *Controller) OnExternalPositionChange(p types.Position) (types.Position, error) {
	if p.HasNaN() {
		return types.Position{}, fmt.Errorf("%w: %s", ErrInvalidPosition, p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked(geometry.ClampPosition(p, c.volume))
	return c.confirmed, nil
}

// SetVolume replaces the working volume wholesale. Confirmed and pending
// are clamped into the new volume; a warning is logged if that moved the
// confirmed position.
func (c *Controller) SetVolume(vol types.WorkingVolume) error {
	if err := geometry.CheckVolume(vol); err != nil {
		return err
	}

	c.mu.Lock()
	before := c.confirmed
	c.volume = vol
	c.confirmed = geometry.ClampPosition(c.confirmed, vol)
	c.pending = geometry.ClampPosition(c.pending, vol)
	after := c.confirmed
	c.mu.Unlock()

	if !after.Equal(before) {
		c.events.Warn(fmt.Sprintf("Confirmed position clamped to working volume: %s", after))
	}
	return nil
}

func (c *Controller) syncLocked(confirmed types.Position) {
	c.confirmed = confirmed
	c.pending = confirmed
}

// ============================================================================
// Device commands
// ============================================================================

// ApplyPosition sends the pending position to the controller.
//
// While disconnected or moving it returns ErrNotConnected or
// ErrMoveInProgress without touching state or the log. A pending position
// with an empty axis is logged and rejected before any device call. Every
// other outcome leaves the controller Idle with exactly one result entry in
// the log.
func (c *Controller) ApplyPosition(ctx context.Context) (types.Position, error) {
	c.mu.Lock()
	if !c.link.IsConnected() {
		c.mu.Unlock()
		return types.Position{}, ErrNotConnected
	}
	if c.motion == types.Moving {
		c.mu.Unlock()
		return types.Position{}, ErrMoveInProgress
	}
	target, vol := c.pending, c.volume
	if err := geometry.Check(target, vol); err != nil {
		c.mu.Unlock()
		c.events.Error(fmt.Sprintf("Cannot move: %v", err))
		return types.Position{}, fmt.Errorf("%w: %w", ErrInvalidPosition, err)
	}
	c.motion = types.Moving
	c.mu.Unlock()
	c.notifyMotion(types.Moving)

	c.events.Info(fmt.Sprintf("Moving to %s", target))

	reported, err := c.move(ctx, target)

	c.mu.Lock()
	if err == nil {
		err = c.acceptLocked(device.OpMove, reported)
	}
	c.motion = types.Idle
	c.mu.Unlock()
	c.notifyMotion(types.Idle)

	if err != nil {
		c.logger.Debug("Move failed", "target", target.String(), "error", err)
		c.events.Error(err.Error())
		return types.Position{}, err
	}
	c.events.Info(MsgMoveCompleted)
	return reported, nil
}

func (c *Controller) move(ctx context.Context, target types.Position) (types.Position, error) {
	ctx, cancel := c.deviceContext(ctx)
	defer cancel()
	return c.device.Move(ctx, target)
}

// Calibrate tells the controller the rig is physically at actual. It does
// not require Idle but is refused while disconnected or while another
// calibration is running. Invalid input is logged and returned wrapped in
// ErrInvalidPosition; callers show MsgCalibrationInput inline.
func (c *Controller) Calibrate(ctx context.Context, actual types.Position) (types.Position, error) {
	if !c.link.IsConnected() {
		return types.Position{}, ErrNotConnected
	}

	c.mu.Lock()
	vol := c.volume
	if err := geometry.Check(actual, vol); err != nil {
		c.mu.Unlock()
		c.events.Error(fmt.Sprintf("Calibration rejected: %v", err))
		return types.Position{}, fmt.Errorf("%w: %w", ErrInvalidPosition, err)
	}
	if c.calibrating {
		c.mu.Unlock()
		return types.Position{}, ErrCalibrationInProgress
	}
	c.calibrating = true
	c.mu.Unlock()

	echoed, err := c.calibrate(ctx, actual)

	c.mu.Lock()
	c.calibrating = false
	if err == nil {
		err = c.acceptLocked(device.OpCalibrate, echoed)
	}
	c.mu.Unlock()

	if err != nil {
		c.events.Error(err.Error())
		return types.Position{}, err
	}
	c.events.Info(fmt.Sprintf("Calibrated position to %s", echoed))
	return echoed, nil
}

func (c *Controller) calibrate(ctx context.Context, actual types.Position) (types.Position, error) {
	ctx, cancel := c.deviceContext(ctx)
	defer cancel()
	return c.device.Calibrate(ctx, actual)
}

// acceptLocked stores a controller-reported position as confirmed. The
// report is checked against the volume in force now, which SetVolume may
// have changed while the call was in flight.
func (c *Controller) acceptLocked(op string, reported types.Position) error {
	if err := geometry.Check(reported, c.volume); err != nil {
		return &device.Error{
			Op:     op,
			Reason: "controller reported out-of-range position " + reported.String(),
			Err:    err,
		}
	}
	c.syncLocked(reported)
	return nil
}

func (c *Controller) notifyMotion(m types.MotionState) {
	if c.onMove != nil {
		c.onMove(m)
	}
}

// deviceContext bounds a device call by the configured timeout only. The
// caller's cancellation is dropped: once issued, a call runs to resolution.
func (c *Controller) deviceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}
