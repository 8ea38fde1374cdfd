// ============================================================================
// AUTOMIC Geometry - Working Volume Bounds
// ============================================================================
//
// Package: internal/geometry
// File: bounds.go
// Purpose: Pure validation of stage coordinates against the working volume
//
// Rules:
//   - Every axis ranges over [0, max]; max comes from the WorkingVolume
//   - A numeric value outside the range is clamped, never rejected
//   - An empty text field is NaN: legal while editing, illegal on submit
//   - Text that does not parse as a finite number is ignored by callers
//
// ============================================================================

package geometry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ChuLiYu/automic/pkg/types"
)

var (
	// ErrEmptyInput is returned by ParseAxisInput for a cleared field.
	ErrEmptyInput = errors.New("empty input")
	// ErrUnparsable is returned by ParseAxisInput for keystroke noise.
	ErrUnparsable = errors.New("not a number")
	// ErrNaNAxis means an axis has no value.
	ErrNaNAxis = errors.New("axis has no value")
	// ErrOutOfBounds means an axis lies outside the working volume.
	ErrOutOfBounds = errors.New("axis outside working volume")
	// ErrInvalidVolume means a working volume has a non-positive extent.
	ErrInvalidVolume = errors.New("invalid working volume")
)

// Clamp restricts value to [0, max(axis)]. NaN is returned unchanged.
func Clamp(axis types.Axis, value float64, vol types.WorkingVolume) float64 {
	if math.IsNaN(value) {
		return value
	}
	return math.Min(math.Max(value, 0), vol.Max(axis))
}

// ClampPosition clamps every axis of p.
func ClampPosition(p types.Position, vol types.WorkingVolume) types.Position {
	for _, a := range types.Axes {
		p = p.With(a, Clamp(a, p.Get(a), vol))
	}
	return p
}

// Check returns nil when every axis of p is set and inside the volume.
// The error wraps ErrNaNAxis or ErrOutOfBounds and names the first bad axis.
func Check(p types.Position, vol types.WorkingVolume) error {
	for _, a := range types.Axes {
		v := p.Get(a)
		if math.IsNaN(v) {
			return fmt.Errorf("%w: %s", ErrNaNAxis, strings.ToUpper(string(a)))
		}
		if v < 0 || v > vol.Max(a) {
			return fmt.Errorf("%w: %s=%g not in [0, %g]", ErrOutOfBounds, strings.ToUpper(string(a)), v, vol.Max(a))
		}
	}
	return nil
}

// Validate reports whether p is fully set and inside the volume.
func Validate(p types.Position, vol types.WorkingVolume) bool {
	return Check(p, vol) == nil
}

// ParseAxisInput converts the text of an axis field. An empty (or blank)
// string yields NaN with ErrEmptyInput; anything that is not a finite
// number yields ErrUnparsable.
func ParseAxisInput(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return math.NaN(), ErrEmptyInput
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}
	return v, nil
}

// CheckVolume rejects volumes with a non-finite or non-positive extent.
func CheckVolume(vol types.WorkingVolume) error {
	for _, a := range types.Axes {
		m := vol.Max(a)
		if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
			return fmt.Errorf("%w: %s max %g", ErrInvalidVolume, strings.ToUpper(string(a)), m)
		}
	}
	return nil
}

// VolumeFromConfig maps the controller geometry (width, height, z_height)
// onto the X, Y and Z extents.
func VolumeFromConfig(cfg types.SystemConfig) (types.WorkingVolume, error) {
	vol := types.WorkingVolume{
		XMax: cfg.Geometry.Width,
		YMax: cfg.Geometry.Height,
		ZMax: cfg.Geometry.ZHeight,
	}
	if err := CheckVolume(vol); err != nil {
		return types.WorkingVolume{}, err
	}
	return vol, nil
}
