// Package server exposes the engine over gRPC as service railsim.v1.Dispatch.
//
// Messages are google.protobuf.Struct documents carrying the same JSON shapes
// as the HTTP API, so no generated code is needed on either side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/railsim/internal/broadcast"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "railsim.v1.Dispatch"

// Engine is the part of the simulation engine the service needs.
type Engine interface {
	Submit(ctx context.Context, cmd types.Command) error
	State() types.Snapshot
	Subscribe() *broadcast.Subscription
}

// DispatchServer is the server API for the Dispatch service.
type DispatchServer interface {
	Command(context.Context, *structpb.Struct) (*structpb.Struct, error)
	State(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Updates(*emptypb.Empty, grpc.ServerStream) error
}

// Server implements the gRPC server for the Dispatch service.
type Server struct {
	engine Engine
	log    *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(e Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: e, log: log}
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv DispatchServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Command applies one command at the next tick boundary. A command the
// engine rejects is a successful call with success=false, like a refused
// job submission; only malformed requests fail the RPC.
func (s *Server) Command(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var cmd types.Command
	if err := fromStruct(req, &cmd); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid command: %v", err)
	}

	if err := s.engine.Submit(ctx, cmd); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		s.log.Info("gRPC command rejected", "type", cmd.Kind, "train", cmd.Train, "error", err)
		return toStruct(commandReply{Success: false, ErrorMessage: err.Error()})
	}
	return toStruct(commandReply{Success: true, ID: cmd.ID})
}

// State returns the last published snapshot.
func (s *Server) State(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.engine.State())
}

// Updates streams every message the engine publishes until the client goes
// away or the engine stops.
func (s *Server) Updates(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.engine.Subscribe()
	defer sub.Close()
	s.log.Debug("gRPC subscriber attached", "subscription", sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "engine stopped")
			}
			out, err := toStruct(msg)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

type commandReply struct {
	Success      bool   `json:"success"`
	ID           string `json:"id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ============================================================================
// Service descriptor
// ============================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Command", Handler: commandHandler},
		{MethodName: "State", Handler: stateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Updates", Handler: updatesHandler, ServerStreams: true},
	},
	Metadata: "railsim/v1/dispatch.proto",
}

func commandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Command"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchServer).Command(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func stateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).State(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/State"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchServer).State(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func updatesHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DispatchServer).Updates(in, stream)
}

// ============================================================================
// Struct conversion
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty message")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
