// ============================================================================
// AUTOMIC Connection Manager
// ============================================================================
//
// Package: internal/connection
// File: manager.go
// Purpose: Owns the Connected/Disconnected state of an operator session
//
// State machine:
//   Disconnected --Connect (probe healthy)--> Connected
//   Disconnected --Connect (probe fails)----> Disconnected  + error log
//   any          --Disconnect---------------> Disconnected  + info log
//
// Notes:
//   - Connect never returns an error; failures end up in the operator log
//   - Disconnect is local only, there is no wire command for it
//   - Only one probe runs at a time; a Disconnect issued while a probe is in
//     flight wins over the probe result
//
// ============================================================================

package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/eventlog"
	"github.com/ChuLiYu/automic/pkg/types"
)

// Operator log messages.
const (
	MsgConnected    = "Connected to controller"
	MsgFailed       = "Connection failed"
	MsgDisconnected = "Disconnected from controller"
)

// Manager is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	state      types.ConnectionState
	probing    bool
	generation uint64 // bumped by Disconnect to invalidate in-flight probes

	prober  device.HealthChecker
	events  *eventlog.Log
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager creates a disconnected manager. timeout bounds each health
// probe; zero means unbounded.
func NewManager(prober device.HealthChecker, events *eventlog.Log, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state:   types.Disconnected,
		prober:  prober,
		events:  events,
		timeout: timeout,
		logger:  logger,
	}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == types.Connected
}

// Connect probes the controller and returns the resulting state. It is a
// no-op when already connected or while another probe is running.
func (m *Manager) Connect(ctx context.Context) types.ConnectionState {
	m.mu.Lock()
	if m.state == types.Connected || m.probing {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.probing = true
	gen := m.generation
	m.mu.Unlock()

	healthy, err := m.probe(ctx)

	m.mu.Lock()
	m.probing = false
	if gen != m.generation {
		// Disconnected while probing.
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("Discarding stale health probe result", "healthy", healthy)
		return state
	}
	if healthy {
		m.state = types.Connected
	}
	state := m.state
	m.mu.Unlock()

	if healthy {
		m.events.Info(MsgConnected)
	} else {
		m.logger.Debug("Health probe failed", "error", err)
		m.events.Error(MsgFailed)
	}
	return state
}

func (m *Manager) probe(ctx context.Context) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	status, err := m.prober.HealthCheck(ctx)
	if err != nil {
		return false, err
	}
	return status == device.Healthy, nil
}

// Disconnect drops to Disconnected without contacting the controller.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.state = types.Disconnected
	m.generation++
	m.mu.Unlock()

	m.events.Info(MsgDisconnected)
}

// Toggle disconnects when connected and connects otherwise. The decision
// and the disconnect happen under one lock. probed reports whether the
// connect path ran.
func (m *Manager) Toggle(ctx context.Context) (state types.ConnectionState, probed bool) {
	m.mu.Lock()
	if m.state == types.Connected {
		m.state = types.Disconnected
		m.generation++
		m.mu.Unlock()
		m.events.Info(MsgDisconnected)
		return types.Disconnected, false
	}
	m.mu.Unlock()
	return m.Connect(ctx), true
}
