package console

import (
	"context"

	"github.com/ChuLiYu/automic/internal/session"
	"github.com/ChuLiYu/automic/pkg/types"
)

// Panel is what the console drives. *server.Client satisfies it for a
// remote rig; LocalPanel adapts an in-process session.
type Panel interface {
	State(ctx context.Context) (types.SessionState, error)
	ToggleConnection(ctx context.Context) (types.SessionState, error)
	EditAxis(ctx context.Context, axis types.Axis, raw string) (types.SessionState, error)
	ApplyPosition(ctx context.Context) (types.SessionState, error)
	Calibrate(ctx context.Context, actual types.Position) (types.SessionState, error)
	ResetInputs(ctx context.Context) (types.SessionState, error)
	EmergencyStop(ctx context.Context) (types.SessionState, error)
	Logs(ctx context.Context, limit int) ([]types.LogEntry, error)
}

// LocalPanel answers every call with the post-operation session state.
type LocalPanel struct {
	Session *session.Session
}

func (p LocalPanel) State(ctx context.Context) (types.SessionState, error) {
	return p.Session.State(), nil
}

func (p LocalPanel) ToggleConnection(ctx context.Context) (types.SessionState, error) {
	_, err := p.Session.ToggleConnection(ctx)
	return p.Session.State(), err
}

func (p LocalPanel) EditAxis(ctx context.Context, axis types.Axis, raw string) (types.SessionState, error) {
	_, err := p.Session.EditAxis(axis, raw)
	return p.Session.State(), err
}

func (p LocalPanel) ApplyPosition(ctx context.Context) (types.SessionState, error) {
	_, err := p.Session.ApplyPosition(ctx)
	return p.Session.State(), err
}

func (p LocalPanel) Calibrate(ctx context.Context, actual types.Position) (types.SessionState, error) {
	_, err := p.Session.Calibrate(ctx, actual)
	return p.Session.State(), err
}

func (p LocalPanel) ResetInputs(ctx context.Context) (types.SessionState, error) {
	_, err := p.Session.ResetInputs()
	return p.Session.State(), err
}

func (p LocalPanel) EmergencyStop(ctx context.Context) (types.SessionState, error) {
	err := p.Session.EmergencyStop(ctx)
	return p.Session.State(), err
}

func (p LocalPanel) Logs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	return p.Session.Logs(limit), nil
}
