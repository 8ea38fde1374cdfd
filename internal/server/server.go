// ============================================================================
// AUTOMIC RigControl gRPC service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose an operator session over gRPC
//
// Service: automic.v1.RigControl
//   Every method is unary; request and response are google.protobuf.Struct.
//   State-changing methods answer with the post-operation session state.
//
//   GetState          {}                 -> state
//   Connect           {}                 -> state
//   Disconnect        {}                 -> state
//   ToggleConnection  {}                 -> state
//   EditAxis          {axis, input}      -> state
//   ApplyPosition     {}                 -> state
//   Calibrate         {x, y, z}          -> state
//   ResetInputs       {}                 -> state
//   LoadPreset        {name}             -> state
//   EmergencyStop     {}                 -> state
//   ListLogs          {limit}            -> {entries}
//   ListPresets       {}                 -> {presets}
//   CheckMotors       {}                 -> {motors, all_connected}
//
// Error codes:
//   FailedPrecondition  not connected, move/calibration in progress, closed
//   InvalidArgument     invalid position, unknown axis or preset
//   DeadlineExceeded    device call timed out
//   Unavailable         device rejected or could not be reached
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/position"
	"github.com/ChuLiYu/automic/internal/session"
	"github.com/ChuLiYu/automic/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "automic.v1.RigControl"

// RigControlServer is the handler type registered for ServiceName.
type RigControlServer interface {
	rigControl()
}

// Server implements RigControl on top of one session.
type Server struct {
	session *session.Session
	logger  *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(sess *session.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{session: sess, logger: logger}
}

func (s *Server) rigControl() {}

// Register adds the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the service registered and
// request logging installed.
func NewGRPCServer(sess *session.Session, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := NewServer(sess, logger)
	opts = append(opts, grpc.ChainUnaryInterceptor(srv.logRequests))
	gs := grpc.NewServer(opts...)
	srv.Register(gs)
	return gs
}

func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("RPC handled",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start))
	return resp, err
}

// ============================================================================
// Service descriptor
// ============================================================================

type handlerFunc func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func method(name string, h handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return h(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RigControlServer)(nil),
	Methods: []grpc.MethodDesc{
		method("GetState", (*Server).getState),
		method("Connect", (*Server).connect),
		method("Disconnect", (*Server).disconnect),
		method("ToggleConnection", (*Server).toggleConnection),
		method("EditAxis", (*Server).editAxis),
		method("ApplyPosition", (*Server).applyPosition),
		method("Calibrate", (*Server).calibrate),
		method("ResetInputs", (*Server).resetInputs),
		method("LoadPreset", (*Server).loadPreset),
		method("EmergencyStop", (*Server).emergencyStop),
		method("ListLogs", (*Server).listLogs),
		method("ListPresets", (*Server).listPresets),
		method("CheckMotors", (*Server).checkMotors),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "automic/v1/rig_control.proto",
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) state() (*structpb.Struct, error) {
	return toStruct(s.session.State())
}

func (s *Server) getState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.state()
}

func (s *Server) connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session.Connect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Disconnect(); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) toggleConnection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session.ToggleConnection(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) editAxis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	axis, err := types.ParseAxis(stringField(req, "axis"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.session.EditAxis(axis, stringField(req, "input")); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) applyPosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session.ApplyPosition(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) calibrate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actual := types.Position{
		X: numberField(req, "x"),
		Y: numberField(req, "y"),
		Z: numberField(req, "z"),
	}
	if _, err := s.session.Calibrate(ctx, actual); err != nil {
		if errors.Is(err, position.ErrInvalidPosition) {
			return nil, status.Error(codes.InvalidArgument, position.MsgCalibrationInput)
		}
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) resetInputs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session.ResetInputs(); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) loadPreset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session.LoadPreset(stringField(req, "name")); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) emergencyStop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.EmergencyStop(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *Server) listLogs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := numberField(req, "limit")
	if math.IsNaN(limit) {
		limit = 0
	}
	return toStruct(map[string]any{"entries": s.session.Logs(int(limit))})
}

func (s *Server) listPresets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"presets": s.session.Presets()})
}

func (s *Server) checkMotors(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.session.CheckMotors(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

// ============================================================================
// Conversion helpers
// ============================================================================

// toStatus maps session and device errors onto gRPC status codes.
func toStatus(err error) error {
	var devErr *device.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, position.ErrNotConnected),
		errors.Is(err, position.ErrMoveInProgress),
		errors.Is(err, position.ErrCalibrationInProgress),
		errors.Is(err, session.ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, position.ErrInvalidPosition),
		errors.Is(err, session.ErrUnknownPreset):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.As(err, &devErr) && devErr.Rejected():
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &devErr):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form, so NaN axes become null.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// fromStruct decodes st into v through its JSON form.
func fromStruct(st *structpb.Struct, v any) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func stringField(st *structpb.Struct, key string) string {
	if v, ok := st.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// numberField returns NaN for a missing or null field.
func numberField(st *structpb.Struct, key string) float64 {
	v, ok := st.GetFields()[key]
	if !ok {
		return math.NaN()
	}
	if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return n.NumberValue
	}
	return math.NaN()
}
