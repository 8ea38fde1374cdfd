package position

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/eventlog"
	"github.com/ChuLiYu/automic/internal/geometry"
	"github.com/ChuLiYu/automic/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hallVolume = types.WorkingVolume{XMax: 12.25, YMax: 12.17, ZMax: 7.93}

// fakeLink is a settable connection state.
type fakeLink struct{ connected atomic.Bool }

func (l *fakeLink) IsConnected() bool { return l.connected.Load() }

type fixture struct {
	ctrl   *Controller
	sim    *device.Simulator
	link   *fakeLink
	events *eventlog.Log
}

func newFixture(t *testing.T, initial types.Position) *fixture {
	t.Helper()
	sim := device.NewSimulator(hallVolume)
	link := &fakeLink{}
	link.connected.Store(true)
	events := eventlog.New(nil)
	ctrl, err := NewController(Config{Volume: hallVolume, Initial: initial, Timeout: time.Second}, sim, link, events, nil)
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, sim: sim, link: link, events: events}
}

func TestNewControllerValidation(t *testing.T) {
	events := eventlog.New(nil)
	sim := device.NewSimulator(hallVolume)

	_, err := NewController(Config{Volume: types.WorkingVolume{XMax: 1, YMax: 0, ZMax: 1}}, sim, &fakeLink{}, events, nil)
	assert.ErrorIs(t, err, geometry.ErrInvalidVolume)

	_, err = NewController(Config{Volume: hallVolume, Initial: types.Position{X: math.NaN()}}, sim, &fakeLink{}, events, nil)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	ctrl, err := NewController(Config{Volume: hallVolume, Initial: types.Position{X: 20, Y: 3.5, Z: 3}}, sim, &fakeLink{}, events, nil)
	require.NoError(t, err)
	snap := ctrl.Snapshot()
	assert.Equal(t, types.Position{X: 12.25, Y: 3.5, Z: 3}, snap.Confirmed)
	assert.Equal(t, snap.Confirmed, snap.Pending)
	assert.Equal(t, types.Idle, snap.Motion)
}

func TestEditAxis(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})

	t.Run("clamps above max", func(t *testing.T) {
		assert.Equal(t, 12.25, f.ctrl.EditAxis(types.AxisX, "15").X)
	})

	t.Run("clamps below zero", func(t *testing.T) {
		assert.Equal(t, 0.0, f.ctrl.EditAxis(types.AxisZ, "-2").Z)
	})

	t.Run("empty clears to NaN", func(t *testing.T) {
		assert.True(t, math.IsNaN(f.ctrl.EditAxis(types.AxisY, "").Y))
	})

	t.Run("noise is ignored", func(t *testing.T) {
		f.ctrl.EditAxis(types.AxisY, "4.5")
		assert.Equal(t, 4.5, f.ctrl.EditAxis(types.AxisY, "4.5abc").Y)
		assert.Equal(t, 4.5, f.ctrl.EditAxis(types.AxisY, "-").Y)
	})

	t.Run("confirmed untouched and nothing logged", func(t *testing.T) {
		assert.Equal(t, types.Position{X: 5, Y: 3.5, Z: 3}, f.ctrl.Confirmed())
		assert.Zero(t, f.events.Len())
	})
}

func TestApplyPositionSuccess(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.ctrl.EditAxis(types.AxisX, "5")
	f.ctrl.EditAxis(types.AxisY, "3.5")
	f.ctrl.EditAxis(types.AxisZ, "3")

	got, err := f.ctrl.ApplyPosition(context.Background())
	require.NoError(t, err)

	want := types.Position{X: 5, Y: 3.5, Z: 3}
	snap := f.ctrl.Snapshot()
	assert.Equal(t, want, got)
	assert.Equal(t, want, snap.Confirmed)
	assert.Equal(t, want, snap.Pending)
	assert.Equal(t, types.Idle, snap.Motion)

	entries := f.events.Entries(0)
	require.Len(t, entries, 2)
	assert.Equal(t, MsgMoveCompleted, entries[0].Message)
	assert.Equal(t, types.LevelInfo, entries[0].Level)
	assert.Equal(t, "Moving to X:5, Y:3.5, Z:3", entries[1].Message)
}

func TestApplyPositionDeviceIsAuthoritative(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.sim.SetMoveTransform(func(p types.Position) types.Position {
		return types.Position{X: p.X - 0.01, Y: p.Y, Z: p.Z}
	})
	f.ctrl.EditAxis(types.AxisX, "6")

	_, err := f.ctrl.ApplyPosition(context.Background())
	require.NoError(t, err)

	snap := f.ctrl.Snapshot()
	assert.InDelta(t, 5.99, snap.Confirmed.X, 1e-9)
	assert.Equal(t, snap.Confirmed, snap.Pending)
}

func TestApplyPositionFailure(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.sim.Fail(device.OpMove, "motor2 stalled")
	f.ctrl.EditAxis(types.AxisX, "4")
	before := f.ctrl.Snapshot()

	_, err := f.ctrl.ApplyPosition(context.Background())
	require.Error(t, err)

	after := f.ctrl.Snapshot()
	assert.Equal(t, before.Confirmed, after.Confirmed)
	assert.Equal(t, before.Pending, after.Pending)
	assert.Equal(t, types.Idle, after.Motion)

	var errorsLogged int
	for _, e := range f.events.Entries(0) {
		if e.Level == types.LevelError {
			errorsLogged++
			assert.Equal(t, "Failed to move: motor2 stalled", e.Message)
		}
	}
	assert.Equal(t, 1, errorsLogged)
}

func TestApplyPositionRejectsOutOfRangeReport(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.sim.SetMoveTransform(func(p types.Position) types.Position {
		return types.Position{X: 99, Y: p.Y, Z: p.Z}
	})
	f.ctrl.EditAxis(types.AxisX, "4")

	_, err := f.ctrl.ApplyPosition(context.Background())
	var devErr *device.Error
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, types.Position{X: 1, Y: 1, Z: 1}, f.ctrl.Confirmed())
	assert.Equal(t, types.Idle, f.ctrl.Motion())
}

func TestApplyPositionWhileDisconnected(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.link.connected.Store(false)
	before := f.ctrl.Snapshot()

	_, err := f.ctrl.ApplyPosition(context.Background())

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, before, f.ctrl.Snapshot())
	assert.Zero(t, f.sim.Calls(device.OpMove))
	assert.Zero(t, f.events.Len())
}

func TestApplyPositionWhileMoving(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	release := f.sim.HoldMoves()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.ApplyPosition(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.Motion() == types.Moving }, time.Second, 5*time.Millisecond)

	f.ctrl.EditAxis(types.AxisX, "9")
	before := f.ctrl.Snapshot()
	logged := f.events.Len()

	_, err := f.ctrl.ApplyPosition(context.Background())
	assert.ErrorIs(t, err, ErrMoveInProgress)
	assert.Equal(t, before, f.ctrl.Snapshot())
	assert.Equal(t, logged, f.events.Len())

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.sim.Calls(device.OpMove))
	assert.Equal(t, types.Idle, f.ctrl.Motion())
}

func TestApplyPositionConcurrentCallsIssueOneMove(t *testing.T) {
	f := newFixture(t, types.Position{X: 2, Y: 2, Z: 2})
	release := f.sim.HoldMoves()

	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.ApplyPosition(context.Background())
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrMoveInProgress):
				rejected.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return rejected.Load() == 7 }, time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, f.sim.Calls(device.OpMove))
}

func TestApplyPositionWithEmptyAxis(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})
	f.ctrl.EditAxis(types.AxisY, "")

	_, err := f.ctrl.ApplyPosition(context.Background())

	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.ErrorIs(t, err, geometry.ErrNaNAxis)
	assert.Zero(t, f.sim.Calls(device.OpMove))
	assert.True(t, math.IsNaN(f.ctrl.Pending().Y))
	assert.Equal(t, types.Idle, f.ctrl.Motion())

	entries := f.events.Entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, types.LevelError, entries[0].Level)
	assert.Contains(t, entries[0].Message, "Y")
}

func TestApplyPositionTimeout(t *testing.T) {
	sim := device.NewSimulator(hallVolume)
	link := &fakeLink{}
	link.connected.Store(true)
	events := eventlog.New(nil)
	ctrl, err := NewController(Config{Volume: hallVolume, Initial: types.Position{X: 1, Y: 1, Z: 1}, Timeout: 30 * time.Millisecond}, sim, link, events, nil)
	require.NoError(t, err)
	defer sim.HoldMoves()()

	_, err = ctrl.ApplyPosition(context.Background())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.Idle, ctrl.Motion())
	assert.Equal(t, types.LevelError, events.Entries(1)[0].Level)
}

func TestApplyPositionOutlivesCallerCancellation(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.ctrl.EditAxis(types.AxisX, "4")
	release := f.sim.HoldMoves()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.ApplyPosition(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.Motion() == types.Moving }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.Moving, f.ctrl.Motion(), "the move is still outstanding")

	_, err := f.ctrl.ApplyPosition(context.Background())
	assert.ErrorIs(t, err, ErrMoveInProgress)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, types.Position{X: 4, Y: 1, Z: 1}, f.ctrl.Confirmed())
	assert.Equal(t, 1, f.sim.Calls(device.OpMove))
	assert.Equal(t, MsgMoveCompleted, f.events.Entries(1)[0].Message)
}

func TestApplyPositionCheckedAgainstVolumeChangedMidMove(t *testing.T) {
	f := newFixture(t, types.Position{X: 1, Y: 1, Z: 1})
	f.ctrl.EditAxis(types.AxisX, "10")
	release := f.sim.HoldMoves()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.ApplyPosition(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.Motion() == types.Moving }, time.Second, 5*time.Millisecond)

	smaller := types.WorkingVolume{XMax: 6, YMax: 6, ZMax: 6}
	require.NoError(t, f.ctrl.SetVolume(smaller))
	release()

	err := <-done
	var devErr *device.Error
	require.True(t, errors.As(err, &devErr))
	assert.ErrorIs(t, err, geometry.ErrOutOfBounds)
	assert.NoError(t, geometry.Check(f.ctrl.Confirmed(), smaller))
	assert.Equal(t, types.Position{X: 1, Y: 1, Z: 1}, f.ctrl.Confirmed())
	assert.Equal(t, types.Idle, f.ctrl.Motion())
	assert.Equal(t, types.LevelError, f.events.Entries(1)[0].Level)
}

func TestCalibrate(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})
	f.ctrl.EditAxis(types.AxisX, "7")

	got, err := f.ctrl.Calibrate(context.Background(), types.Position{X: 4, Y: 4, Z: 0.5})
	require.NoError(t, err)

	want := types.Position{X: 4, Y: 4, Z: 0.5}
	assert.Equal(t, want, got)
	assert.Equal(t, want, f.ctrl.Confirmed())
	assert.Equal(t, want, f.ctrl.Pending())
	assert.Zero(t, f.sim.Calls(device.OpMove))

	entry := f.events.Entries(1)[0]
	assert.Equal(t, types.LevelInfo, entry.Level)
	assert.Equal(t, "Calibrated position to X:4, Y:4, Z:0.5", entry.Message)
}

func TestCalibrateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})

	for _, p := range []types.Position{
		{X: math.NaN(), Y: 1, Z: 1},
		{X: 1, Y: 20, Z: 1},
	} {
		_, err := f.ctrl.Calibrate(context.Background(), p)
		assert.ErrorIs(t, err, ErrInvalidPosition)
	}
	assert.Zero(t, f.sim.Calls(device.OpCalibrate))
	assert.Equal(t, types.Position{X: 5, Y: 3.5, Z: 3}, f.ctrl.Confirmed())
	assert.Equal(t, 2, f.events.Len())
}

func TestCalibrateWhileDisconnected(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})
	f.link.connected.Store(false)

	_, err := f.ctrl.Calibrate(context.Background(), types.Position{X: 1, Y: 1, Z: 1})

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, f.sim.Calls(device.OpCalibrate))
	assert.Zero(t, f.events.Len())
}

func TestCalibrateDeviceFailure(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})
	f.sim.Fail(device.OpCalibrate, "encoder offline")

	_, err := f.ctrl.Calibrate(context.Background(), types.Position{X: 1, Y: 1, Z: 1})

	require.Error(t, err)
	assert.Equal(t, types.Position{X: 5, Y: 3.5, Z: 3}, f.ctrl.Confirmed())
	entry := f.events.Entries(1)[0]
	assert.Equal(t, types.LevelError, entry.Level)
	assert.Equal(t, "Failed to calibrate: encoder offline", entry.Message)
}

func TestCalibrateDuringMove(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})
	release := f.sim.HoldMoves()
	defer release()

	go func() { _, _ = f.ctrl.ApplyPosition(context.Background()) }()
	require.Eventually(t, func() bool { return f.ctrl.Motion() == types.Moving }, time.Second, 5*time.Millisecond)

	_, err := f.ctrl.Calibrate(context.Background(), types.Position{X: 2, Y: 2, Z: 2})
	require.NoError(t, err)
	assert.Equal(t, types.Moving, f.ctrl.Motion(), "calibration does not change motion state")
}

func TestResetInputs(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})

	assert.Equal(t, types.Position{}, f.ctrl.ResetInputs())
	assert.Equal(t, types.Position{X: 5, Y: 3.5, Z: 3}, f.ctrl.Confirmed())
	assert.Zero(t, f.sim.Calls(device.OpMove))
}

func TestOnExternalPositionChange(t *testing.T) {
	f := newFixture(t, types.Position{X: 5, Y: 3.5, Z: 3})
	f.ctrl.EditAxis(types.AxisZ, "")

	got, err := f.ctrl.OnExternalPositionChange(types.Position{X: 5, Y: 5, Z: 9})
	require.NoError(t, err)

	assert.Equal(t, types.Position{X: 5, Y: 5, Z: 7.93}, got)
	assert.Equal(t, got, f.ctrl.Pending())

	_, err = f.ctrl.OnExternalPositionChange(types.Position{X: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.Equal(t, got, f.ctrl.Confirmed())
}

func TestSetVolume(t *testing.T) {
	f := newFixture(t, types.Position{X: 10, Y: 3.5, Z: 3})

	require.NoError(t, f.ctrl.SetVolume(types.WorkingVolume{XMax: 12.25, YMax: 12.17, ZMax: 7}))
	assert.Zero(t, f.events.Len(), "confirmed unchanged, nothing to report")

	require.NoError(t, f.ctrl.SetVolume(types.WorkingVolume{XMax: 8, YMax: 8, ZMax: 7}))
	assert.Equal(t, types.Position{X: 8, Y: 3.5, Z: 3}, f.ctrl.Confirmed())
	assert.Equal(t, types.LevelWarning, f.events.Entries(1)[0].Level)

	assert.ErrorIs(t, f.ctrl.SetVolume(types.WorkingVolume{XMax: -1, YMax: 1, ZMax: 1}), geometry.ErrInvalidVolume)
	assert.Equal(t, 8.0, f.ctrl.Volume().XMax)
}
