// ============================================================================
// AUTOMIC Operator Console
// ============================================================================
//
// Package: internal/console
// File: console.go
// Purpose: Terminal control panel for a rig session (Bubble Tea)
//
// Keys:
//   Tab / Shift+Tab   move between X, Y and Z (commits the field left)
//   Enter             apply position, or submit calibration
//   Ctrl+T            connect / disconnect
//   Ctrl+B            open calibration form
//   Ctrl+R            reset inputs
//   Ctrl+E            emergency stop
//   Esc               close calibration form, or quit
//   Ctrl+C            quit
//
// A field is sent to the session when it is committed, not per keystroke,
// so edits reach the session in the order they were typed.
//
// ============================================================================

package console

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/automic/internal/position"
	"github.com/ChuLiYu/automic/pkg/types"
)

const (
	defaultRefresh = time.Second
	defaultTimeout = 30 * time.Second
	visibleLogs    = 8
)

type mode int

const (
	modePosition mode = iota
	modeCalibrate
)

// ============================================================================
// Messages
// ============================================================================

type stateMsg struct {
	action string
	state  types.SessionState
	err    error
}

type logsMsg struct {
	entries []types.LogEntry
	err     error
}

type tickMsg time.Time

// ============================================================================
// Model
// ============================================================================

// Options tune a console model.
type Options struct {
	Refresh time.Duration // state poll interval
	Timeout time.Duration // per-call deadline
}

// Model is the Bubble Tea model of the console.
type Model struct {
	panel   Panel
	refresh time.Duration
	timeout time.Duration

	state  types.SessionState
	logs   []types.LogEntry
	loaded bool

	mode   mode
	focus  int
	inputs [3]string
	dirty  [3]bool
	calib  [3]string

	status    string
	statusErr bool
}

// New returns a console model driving panel.
func New(panel Panel, opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return Model{panel: panel, refresh: opts.Refresh, timeout: opts.Timeout}
}

// Run blocks until the operator quits or ctx is cancelled.
func Run(ctx context.Context, panel Panel, opts Options) error {
	p := tea.NewProgram(New(panel, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.call("refresh", m.panel.State), m.fetchLogs(), m.tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		return m.handleState(msg)

	case logsMsg:
		if msg.err == nil {
			m.logs = msg.entries
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.call("refresh", m.panel.State), m.fetchLogs(), m.tick())
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEsc:
		if m.mode == modeCalibrate {
			m.mode = modePosition
			m.setStatus("", false)
			return m, nil
		}
		return m, tea.Quit

	case tea.KeyTab, tea.KeyShiftTab:
		cmd := m.commit()
		step := 1
		if msg.Type == tea.KeyShiftTab {
			step = 2
		}
		m.focus = (m.focus + step) % len(types.Axes)
		return m, cmd

	case tea.KeyEnter:
		if m.mode == modeCalibrate {
			return m.submitCalibration()
		}
		return m.apply()

	case tea.KeyCtrlT:
		return m, m.call("toggle", m.panel.ToggleConnection)

	case tea.KeyCtrlB:
		m.mode = modeCalibrate
		for i, a := range types.Axes {
			m.calib[i] = formatAxis(m.state.Confirmed.Get(a))
		}
		m.setStatus("", false)
		return m, nil

	case tea.KeyCtrlR:
		m.dirty = [3]bool{}
		return m, m.call("reset", m.panel.ResetInputs)

	case tea.KeyCtrlE:
		return m, m.call("estop", m.panel.EmergencyStop)

	case tea.KeyBackspace:
		field := m.field()
		if n := len(*field); n > 0 {
			*field = (*field)[:n-1]
			m.markDirty()
		}
		return m, nil

	case tea.KeyRunes:
		*m.field() += string(msg.Runes)
		m.markDirty()
		return m, nil
	}
	return m, nil
}

func (m Model) handleState(msg stateMsg) (tea.Model, tea.Cmd) {
	// A failed remote call carries no state.
	if msg.err == nil || msg.state.SessionID != "" {
		m.state = msg.state
		m.loaded = true
	}
	if msg.err != nil {
		text := errorText(msg.err)
		if msg.action == "calibrate" && errors.Is(msg.err, position.ErrInvalidPosition) {
			text = position.MsgCalibrationInput
		}
		m.setStatus(text, true)
	} else if msg.action != "refresh" {
		m.setStatus("", false)
		if msg.action == "calibrate" {
			m.mode = modePosition
		}
	}

	for i, a := range types.Axes {
		if !m.dirty[i] {
			m.inputs[i] = formatAxis(m.state.Pending.Get(a))
		}
	}
	if msg.action == "refresh" {
		return m, nil
	}
	return m, m.fetchLogs()
}

// commit sends the focused field if it changed since the last commit.
func (m *Model) commit() tea.Cmd {
	if m.mode != modePosition || !m.dirty[m.focus] {
		return nil
	}
	m.dirty[m.focus] = false
	panel, axis, raw := m.panel, types.Axes[m.focus], m.inputs[m.focus]
	return m.call("edit", func(ctx context.Context) (types.SessionState, error) {
		return panel.EditAxis(ctx, axis, raw)
	})
}

// apply commits the focused field, then moves, in one command so the edit
// lands before the move starts.
func (m Model) apply() (tea.Model, tea.Cmd) {
	panel := m.panel
	edit := m.dirty[m.focus]
	m.dirty[m.focus] = false
	axis, raw := types.Axes[m.focus], m.inputs[m.focus]
	return m, m.call("apply", func(ctx context.Context) (types.SessionState, error) {
		if edit {
			if state, err := panel.EditAxis(ctx, axis, raw); err != nil {
				return state, err
			}
		}
		return panel.ApplyPosition(ctx)
	})
}

func (m Model) submitCalibration() (tea.Model, tea.Cmd) {
	var actual types.Position
	for i, a := range types.Axes {
		v, err := strconv.ParseFloat(strings.TrimSpace(m.calib[i]), 64)
		if err != nil || math.IsNaN(v) {
			m.setStatus(position.MsgCalibrationInput, true)
			return m, nil
		}
		actual = actual.With(a, v)
	}
	panel := m.panel
	return m, m.call("calibrate", func(ctx context.Context) (types.SessionState, error) {
		return panel.Calibrate(ctx, actual)
	})
}

func (m *Model) field() *string {
	if m.mode == modeCalibrate {
		return &m.calib[m.focus]
	}
	return &m.inputs[m.focus]
}

func (m *Model) markDirty() {
	if m.mode == modePosition {
		m.dirty[m.focus] = true
	}
}

func (m *Model) setStatus(text string, isErr bool) {
	m.status, m.statusErr = text, isErr
}

// ============================================================================
// Commands
// ============================================================================

func (m Model) call(action string, fn func(context.Context) (types.SessionState, error)) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		state, err := fn(ctx)
		return stateMsg{action: action, state: state, err: err}
	}
}

func (m Model) fetchLogs() tea.Cmd {
	panel, timeout := m.panel, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		entries, err := panel.Logs(ctx, visibleLogs)
		return logsMsg{entries: entries, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// errorText strips the RPC envelope from remote errors.
func errorText(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}

func formatAxis(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ============================================================================
// View
// ============================================================================

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	focusStyle  = lipgloss.NewStyle().Reverse(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	levelStyles = map[types.LogLevel]lipgloss.Style{
		types.LevelInfo:    mutedStyle,
		types.LevelWarning: warnStyle,
		types.LevelError:   errorStyle,
	}
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("AUTOMIC Rig Control"))
	b.WriteString("\n\n")

	if !m.loaded {
		b.WriteString(mutedStyle.Render("Loading..."))
		return b.String()
	}

	conn := errorStyle.Render("Disconnected")
	if m.state.Connection == types.Connected {
		conn = okStyle.Render("Connected")
	}
	motion := "Idle"
	if m.state.Motion == types.Moving {
		motion = warnStyle.Render("Moving")
	}
	fmt.Fprintf(&b, "Controller: %s   Motion: %s\n", conn, motion)
	fmt.Fprintf(&b, "Position:   %s\n", m.state.Confirmed)
	v := m.state.Volume
	b.WriteString(mutedStyle.Render(fmt.Sprintf("Volume:     %.2f x %.2f x %.2f ft", v.XMax, v.YMax, v.ZMax)))
	b.WriteString("\n\n")

	label, fields := "Target", m.inputs
	if m.mode == modeCalibrate {
		label, fields = "Actual (calibrate)", m.calib
	}
	b.WriteString(label + ":\n")
	for i, a := range types.Axes {
		value := fields[i]
		if value == "" {
			value = " "
		}
		if i == m.focus {
			value = focusStyle.Render(value)
		}
		fmt.Fprintf(&b, "  %s [%s]", strings.ToUpper(string(a)), value)
	}
	b.WriteString("\n")

	if m.status != "" {
		style := okStyle
		if m.statusErr {
			style = errorStyle
		}
		b.WriteString(style.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\nLog:\n")
	for _, e := range m.logs {
		style := levelStyles[e.Level]
		fmt.Fprintf(&b, "  %s %s\n", e.Time.Format("15:04:05"), style.Render(e.Message))
	}

	if m.mode == modeCalibrate {
		b.WriteString(mutedStyle.Render("\n(Enter calibrate, Esc cancel)"))
	} else {
		b.WriteString(mutedStyle.Render("\n(Enter apply, Tab next, Ctrl+T connect, Ctrl+B calibrate, Ctrl+R reset, Ctrl+E stop, Esc quit)"))
	}
	return b.String()
}
