package device

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/automic/pkg/types"
)

// Simulator is an in-memory controller. It accepts any position inside its
// volume, rejects the rest the way the kinematics solver does (HTTP 400),
// and can be told to fail or stall individual operations.
type Simulator struct {
	mu        sync.Mutex
	volume    types.WorkingVolume
	position  types.Position
	healthy   bool
	motors    map[string]string
	moveDelay time.Duration
	gate      chan struct{}
	transform func(types.Position) types.Position
	failures  map[string]string
	calls     map[string]int
}

// NewSimulator creates a healthy controller with four reachable motors,
// resting at the origin.
func NewSimulator(vol types.WorkingVolume) *Simulator {
	return &Simulator{
		volume:  vol,
		healthy: true,
		motors: map[string]string{
			"motor1": "connected",
			"motor2": "connected",
			"motor3": "connected",
			"motor4": "connected",
		},
		failures: make(map[string]string),
		calls:    make(map[string]int),
	}
}

// SetHealthy controls the /health answer.
func (s *Simulator) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// SetMoveDelay makes every move take d.
func (s *Simulator) SetMoveDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveDelay = d
}

// SetMoveTransform changes the position reported after a move, e.g. to
// model step rounding.
func (s *Simulator) SetMoveTransform(fn func(types.Position) types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transform = fn
}

// SetMotor overrides the reachability of one motor.
func (s *Simulator) SetMotor(name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[name] = status
}

// Fail makes op fail with reason until Recover is called.
func (s *Simulator) Fail(op, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = reason
}

// Recover clears a failure set by Fail.
func (s *Simulator) Recover(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

// HoldMoves blocks every move until release is called.
func (s *Simulator) HoldMoves() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times op was invoked.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Position returns the simulated rig position.
func (s *Simulator) Position() types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// begin records a call and returns the configured failure, if any.
func (s *Simulator) begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if reason, ok := s.failures[op]; ok {
		return &Error{Op: op, StatusCode: http.StatusInternalServerError, Reason: reason}
	}
	return nil
}

func (s *Simulator) HealthCheck(ctx context.Context) (HealthStatus, error) {
	if err := s.begin(OpHealth); err != nil {
		return Unhealthy, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return Unhealthy, nil
	}
	return Healthy, nil
}

func (s *Simulator) Move(ctx context.Context, target types.Position) (types.Position, error) {
	if err := s.begin(OpMove); err != nil {
		return types.Position{}, err
	}
	if err := s.reachable(OpMove, target); err != nil {
		return types.Position{}, err
	}

	s.mu.Lock()
	delay, gate := s.moveDelay, s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Position{}, &Error{Op: OpMove, Err: ctx.Err()}
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return types.Position{}, &Error{Op: OpMove, Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reported := target
	if s.transform != nil {
		reported = s.transform(target)
	}
	s.position = reported
	return reported, nil
}

func (s *Simulator) Calibrate(ctx context.Context, actual types.Position) (types.Position, error) {
	if err := s.begin(OpCalibrate); err != nil {
		return types.Position{}, err
	}
	if err := s.reachable(OpCalibrate, actual); err != nil {
		return types.Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = actual
	return actual, nil
}

func (s *Simulator) EmergencyStop(ctx context.Context) error {
	return s.begin(OpStop)
}

func (s *Simulator) FetchConfig(ctx context.Context) (types.SystemConfig, error) {
	if err := s.begin(OpConfig); err != nil {
		return types.SystemConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg types.SystemConfig
	cfg.Geometry.Width = s.volume.XMax
	cfg.Geometry.Height = s.volume.YMax
	cfg.Geometry.ZHeight = s.volume.ZMax
	return cfg, nil
}

func (s *Simulator) MotorStatus(ctx context.Context) (types.MotorReport, error) {
	if err := s.begin(OpMotors); err != nil {
		return types.MotorReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	report := types.MotorReport{Motors: make(map[string]string, len(s.motors)), AllConnected: true}
	for name, status := range s.motors {
		report.Motors[name] = status
		if status != "connected" {
			report.AllConnected = false
		}
	}
	return report, nil
}

// MotorNames returns the simulated motor names in order.
func (s *Simulator) MotorNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.motors))
	for name := range s.motors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Simulator) reachable(op string, p types.Position) error {
	s.mu.Lock()
	vol := s.volume
	s.mu.Unlock()
	for _, a := range types.Axes {
		v := p.Get(a)
		if !(v >= 0 && v <= vol.Max(a)) {
			return &Error{
				Op:         op,
				StatusCode: http.StatusBadRequest,
				Reason:     fmt.Sprintf("target %s out of reach", p),
			}
		}
	}
	return nil
}
