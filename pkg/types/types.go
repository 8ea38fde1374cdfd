// Package types defines the core domain model shared by the automic rig
// control packages.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Axis names one coordinate of the stage.
type Axis string

const (
	AxisX Axis = "x" // stage width
	AxisY Axis = "y" // stage depth
	AxisZ Axis = "z" // microphone height
)

// Axes lists the axes in display order.
var Axes = []Axis{AxisX, AxisY, AxisZ}

// ParseAxis accepts "x", "y" or "z" in either case.
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	}
	return "", fmt.Errorf("unknown axis %q", s)
}

// Position is a stage coordinate in feet. A pending position may hold NaN
// on an axis whose input field is empty.
type Position struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Get returns the value of one axis.
func (p Position) Get(a Axis) float64 {
	switch a {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	}
	return math.NaN()
}

// With returns a copy of p with one axis replaced.
func (p Position) With(a Axis, v float64) Position {
	switch a {
	case AxisX:
		p.X = v
	case AxisY:
		p.Y = v
	case AxisZ:
		p.Z = v
	}
	return p
}

// HasNaN reports whether any axis is unset.
func (p Position) HasNaN() bool {
	return math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z)
}

// Equal compares positions treating NaN axes as equal to each other.
func (p Position) Equal(o Position) bool {
	eq := func(a, b float64) bool {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.IsNaN(a) && math.IsNaN(b)
		}
		return a == b
	}
	return eq(p.X, o.X) && eq(p.Y, o.Y) && eq(p.Z, o.Z)
}

func (p Position) String() string {
	return fmt.Sprintf("X:%g, Y:%g, Z:%g", p.X, p.Y, p.Z)
}

type positionJSON struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func axisPtr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func axisVal(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// MarshalJSON encodes NaN axes as null.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(positionJSON{X: axisPtr(p.X), Y: axisPtr(p.Y), Z: axisPtr(p.Z)})
}

// UnmarshalJSON decodes null or missing axes as NaN.
func (p *Position) UnmarshalJSON(data []byte) error {
	var raw positionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.X, p.Y, p.Z = axisVal(raw.X), axisVal(raw.Y), axisVal(raw.Z)
	return nil
}

// WorkingVolume is the legal box of positions; every axis starts at 0.
type WorkingVolume struct {
	XMax float64 `json:"x_max" yaml:"x_max"`
	YMax float64 `json:"y_max" yaml:"y_max"`
	ZMax float64 `json:"z_max" yaml:"z_max"`
}

// Max returns the upper bound of one axis.
func (v WorkingVolume) Max(a Axis) float64 {
	switch a {
	case AxisX:
		return v.XMax
	case AxisY:
		return v.YMax
	case AxisZ:
		return v.ZMax
	}
	return 0
}

// DefaultVolume is used when the controller configuration is unavailable.
var DefaultVolume = WorkingVolume{XMax: 12.25, YMax: 12.17, ZMax: 7.93}

// ConnectionState of the operator session towards the controller.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connected    ConnectionState = "connected"
)

// MotionState of the rig as seen by the session.
type MotionState string

const (
	Idle   MotionState = "idle"   // no move outstanding
	Moving MotionState = "moving" // a move command is in flight
)

// LogLevel of an operator-facing log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one line of the operator log. Entries are never mutated.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Level   LogLevel  `json:"level"`
}

// SessionState is a read-only snapshot of everything the presentation
// layer renders.
type SessionState struct {
	SessionID  string          `json:"session_id"`
	Connection ConnectionState `json:"connection"`
	Motion     MotionState     `json:"motion"`
	Confirmed  Position        `json:"confirmed"`
	Pending    Position        `json:"pending"`
	Volume     WorkingVolume   `json:"volume"`
	StartedAt  time.Time       `json:"started_at"`
}

// SystemConfig is the controller configuration returned by /config.
type SystemConfig struct {
	Geometry struct {
		Width   float64 `json:"width"`
		Height  float64 `json:"height"`
		ZHeight float64 `json:"z_height"`
	} `json:"geometry"`
}

// Preset is a named stage position from the preset catalog.
type Preset struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Position    Position `json:"position" yaml:"position"`
}

// MotorReport is the reachability of every motor behind the controller.
type MotorReport struct {
	Motors       map[string]string `json:"motors"`
	AllConnected bool              `json:"all_connected"`
}
