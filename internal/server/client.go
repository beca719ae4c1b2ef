package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/railsim/pkg/types"
)

// ErrRejected wraps the reason the remote engine gave for refusing a command.
var ErrRejected = errors.New("command rejected")

// Client is a Dispatch service client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Command submits cmd and waits for the engine's verdict.
func (c *Client) Command(ctx context.Context, cmd types.Command, opts ...grpc.CallOption) error {
	req, err := toStruct(cmd)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Command", req, out, opts...); err != nil {
		return err
	}

	var reply commandReply
	if err := fromStruct(out, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("%w: %s", ErrRejected, reply.ErrorMessage)
	}
	return nil
}

// State fetches the current snapshot.
func (c *Client) State(ctx context.Context, opts ...grpc.CallOption) (types.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/State", &emptypb.Empty{}, out, opts...); err != nil {
		return types.Snapshot{}, err
	}
	var snap types.Snapshot
	if err := fromStruct(out, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// UpdateStream receives pushed messages. Data holds the decoded JSON value.
type UpdateStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next message.
func (s *UpdateStream) Recv() (types.Message, error) {
	in := new(structpb.Struct)
	if err := s.stream.RecvMsg(in); err != nil {
		return types.Message{}, err
	}
	var msg types.Message
	if err := fromStruct(in, &msg); err != nil {
		return types.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Updates opens the update stream. Cancel ctx to close it.
func (c *Client) Updates(ctx context.Context, opts ...grpc.CallOption) (*UpdateStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/Updates", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &UpdateStream{stream: stream}, nil
}
