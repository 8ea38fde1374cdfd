package console

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/automic/internal/connection"
	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/position"
	"github.com/ChuLiYu/automic/internal/session"
	"github.com/ChuLiYu/automic/pkg/types"
)

func newTestConsole(t *testing.T) (Model, *device.Simulator) {
	t.Helper()
	sim := device.NewSimulator(types.DefaultVolume)
	sess, err := session.New(session.Config{
		Volume:  types.DefaultVolume,
		Initial: types.Position{X: 5, Y: 3.5, Z: 3},
		Timeout: time.Second,
	}, sim)
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	panel := LocalPanel{Session: sess}
	m := New(panel, Options{Timeout: time.Second})
	return run(m, m.call("refresh", panel.State)), sim
}

// run executes cmd and feeds every resulting message back until the
// model has nothing left to do.
func run(m Model, cmd tea.Cmd) Model {
	for cmd != nil {
		next, c := m.Update(cmd())
		m = next.(Model)
		cmd = c
	}
	return m
}

func press(m Model, msg tea.KeyMsg) Model {
	next, cmd := m.Update(msg)
	return run(next.(Model), cmd)
}

func key(t tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: t} }

func typeText(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestConsole_LoadsState(t *testing.T) {
	m, _ := newTestConsole(t)

	assert.True(t, m.loaded)
	assert.Equal(t, types.Disconnected, m.state.Connection)
	assert.Equal(t, [3]string{"5", "3.5", "3"}, m.inputs)
	assert.Contains(t, m.View(), "Disconnected")
}

func TestConsole_ApplyCommitsFocusedField(t *testing.T) {
	m, sim := newTestConsole(t)

	m = press(m, key(tea.KeyCtrlT))
	require.Equal(t, types.Connected, m.state.Connection)

	m = press(m, key(tea.KeyBackspace))
	m = press(m, typeText("15"))
	assert.Equal(t, "15", m.inputs[0])
	assert.True(t, m.dirty[0])

	m = press(m, key(tea.KeyEnter))

	assert.Equal(t, types.Position{X: 12.25, Y: 3.5, Z: 3}, m.state.Confirmed)
	assert.Equal(t, "12.25", m.inputs[0])
	assert.False(t, m.dirty[0])
	assert.Equal(t, m.state.Confirmed, sim.Position())
	require.NotEmpty(t, m.logs)
	assert.Equal(t, position.MsgMoveCompleted, m.logs[0].Message)
	assert.Empty(t, m.status)
}

func TestConsole_TabCommitsAndMovesFocus(t *testing.T) {
	m, _ := newTestConsole(t)

	m = press(m, key(tea.KeyBackspace))
	m = press(m, key(tea.KeyBackspace))
	m = press(m, key(tea.KeyTab))

	assert.Equal(t, 1, m.focus)
	assert.Equal(t, "", m.inputs[0])
	assert.True(t, m.state.Pending.HasNaN())

	m = press(m, key(tea.KeyShiftTab))
	assert.Equal(t, 0, m.focus)
}

func TestConsole_ApplyWhileDisconnected(t *testing.T) {
	m, sim := newTestConsole(t)

	m = press(m, key(tea.KeyEnter))

	assert.True(t, m.statusErr)
	assert.Equal(t, position.ErrNotConnected.Error(), m.status)
	assert.Zero(t, sim.Calls(device.OpMove))
}

func TestConsole_Calibration(t *testing.T) {
	m, sim := newTestConsole(t)
	m = press(m, key(tea.KeyCtrlT))

	m = press(m, key(tea.KeyCtrlB))
	require.Equal(t, modeCalibrate, m.mode)
	assert.Equal(t, [3]string{"5", "3.5", "3"}, m.calib)

	m = press(m, key(tea.KeyBackspace))
	m = press(m, key(tea.KeyEnter))
	assert.Equal(t, position.MsgCalibrationInput, m.status)
	assert.Zero(t, sim.Calls(device.OpCalibrate))

	m = press(m, typeText("2"))
	m = press(m, key(tea.KeyEnter))

	assert.Equal(t, modePosition, m.mode)
	assert.Equal(t, types.Position{X: 2, Y: 3.5, Z: 3}, m.state.Confirmed)
	assert.Equal(t, 1, sim.Calls(device.OpCalibrate))
	assert.Equal(t, [3]string{"2", "3.5", "3"}, m.inputs, "calibration syncs the target inputs")
}

func TestConsole_ResetAndEStop(t *testing.T) {
	m, sim := newTestConsole(t)
	m = press(m, key(tea.KeyCtrlT))

	m = press(m, typeText("9"))
	m = press(m, key(tea.KeyCtrlR))
	assert.Equal(t, [3]string{"0", "0", "0"}, m.inputs)

	m = press(m, key(tea.KeyCtrlE))
	assert.Equal(t, 1, sim.Calls(device.OpStop))
	require.NotEmpty(t, m.logs)
	assert.Equal(t, session.MsgEStopAcknowledged, m.logs[0].Message)
}

func TestConsole_ToggleLogsConnection(t *testing.T) {
	m, sim := newTestConsole(t)
	sim.SetHealthy(false)

	m = press(m, key(tea.KeyCtrlT))

	assert.Equal(t, types.Disconnected, m.state.Connection)
	require.NotEmpty(t, m.logs)
	assert.Equal(t, connection.MsgFailed, m.logs[0].Message)
}

func TestConsole_EscClosesFormThenQuits(t *testing.T) {
	m, _ := newTestConsole(t)
	m = press(m, key(tea.KeyCtrlB))

	next, cmd := m.Update(key(tea.KeyEsc))
	m = next.(Model)
	assert.Nil(t, cmd)
	assert.Equal(t, modePosition, m.mode)

	_, cmd = m.Update(key(tea.KeyEsc))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestConsole_RemoteFailureKeepsState(t *testing.T) {
	m, _ := newTestConsole(t)
	before := m.state

	next, _ := m.Update(stateMsg{
		action: "apply",
		err:    status.Error(codes.FailedPrecondition, "not connected to controller"),
	})
	m = next.(Model)

	assert.Equal(t, before, m.state)
	assert.Equal(t, "not connected to controller", m.status)
}
