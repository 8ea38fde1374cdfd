package server

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/automic/pkg/types"
)

// Client calls a remote RigControl service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built with NewClient
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close is then a no-op.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, name string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func (c *Client) stateCall(ctx context.Context, name string, in map[string]any) (types.SessionState, error) {
	var state types.SessionState
	err := c.invoke(ctx, name, in, &state)
	return state, err
}

func (c *Client) State(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "GetState", nil)
}

func (c *Client) Connect(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "Connect", nil)
}

func (c *Client) Disconnect(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "Disconnect", nil)
}

func (c *Client) ToggleConnection(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "ToggleConnection", nil)
}

// EditAxis forwards raw text for one axis, exactly as typed.
func (c *Client) EditAxis(ctx context.Context, axis types.Axis, raw string) (types.SessionState, error) {
	return c.stateCall(ctx, "EditAxis", map[string]any{"axis": string(axis), "input": raw})
}

func (c *Client) ApplyPosition(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "ApplyPosition", nil)
}

// Calibrate sends the physical position of the rig. NaN axes are sent as
// null and rejected by the server.
func (c *Client) Calibrate(ctx context.Context, actual types.Position) (types.SessionState, error) {
	in := make(map[string]any, 3)
	for _, a := range types.Axes {
		if v := actual.Get(a); math.IsNaN(v) {
			in[string(a)] = nil
		} else {
			in[string(a)] = v
		}
	}
	return c.stateCall(ctx, "Calibrate", in)
}

func (c *Client) ResetInputs(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "ResetInputs", nil)
}

func (c *Client) LoadPreset(ctx context.Context, name string) (types.SessionState, error) {
	return c.stateCall(ctx, "LoadPreset", map[string]any{"name": name})
}

func (c *Client) EmergencyStop(ctx context.Context) (types.SessionState, error) {
	return c.stateCall(ctx, "EmergencyStop", nil)
}

// Logs returns up to limit entries, newest first. limit <= 0 returns all.
func (c *Client) Logs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	var out struct {
		Entries []types.LogEntry `json:"entries"`
	}
	err := c.invoke(ctx, "ListLogs", map[string]any{"limit": limit}, &out)
	return out.Entries, err
}

func (c *Client) Presets(ctx context.Context) ([]types.Preset, error) {
	var out struct {
		Presets []types.Preset `json:"presets"`
	}
	err := c.invoke(ctx, "ListPresets", nil, &out)
	return out.Presets, err
}

func (c *Client) CheckMotors(ctx context.Context) (types.MotorReport, error) {
	var report types.MotorReport
	err := c.invoke(ctx, "CheckMotors", nil, &report)
	return report, err
}
