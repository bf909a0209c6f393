// Package grpcapi serves the client protocol over gRPC. Messages are the
// well-known protobuf types: commands travel as google.protobuf.Struct frames
// and payloads as google.protobuf.StringValue holding the JSON text.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "arena.v1.Arena"

// Full method names.
const (
	SessionMethod = "/" + ServiceName + "/Session"
	CommandMethod = "/" + ServiceName + "/Command"
	QueuesMethod  = "/" + ServiceName + "/Queues"
)

// Metadata keys identifying the caller of a unary Command.
const (
	PlayerMetadataKey = "x-arena-player"
	TokenMetadataKey  = "x-arena-token"
)

// SessionStream is the server side of the Session stream.
type SessionStream = grpc.BidiStreamingServer[structpb.Struct, wrapperspb.StringValue]

// SessionClient is the client side of the Session stream.
type SessionClient = grpc.BidiStreamingClient[structpb.Struct, wrapperspb.StringValue]

// ArenaServer is the server API of the arena.v1.Arena service.
type ArenaServer interface {
	// Session registers the caller as a new player. The first payload is the
	// welcome carrying the player id and token; every later payload is a
	// command reply or a game broadcast.
	Session(SessionStream) error
	// Command runs one command for the player named in the call metadata.
	Command(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	// Queues lists the queue catalog with current queue lengths.
	Queues(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes arena.v1.Arena for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArenaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Command", Handler: commandHandler},
		{MethodName: "Queues", Handler: queuesHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "arena/v1/arena.proto",
}

// RegisterArenaServer registers srv on s.
func RegisterArenaServer(s grpc.ServiceRegistrar, srv ArenaServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ArenaServer).Session(&grpc.GenericServerStream[structpb.Struct, wrapperspb.StringValue]{ServerStream: stream})
}

func commandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArenaServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CommandMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ArenaServer).Command(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queuesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArenaServer).Queues(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueuesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ArenaServer).Queues(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Client is a client of the arena.v1.Arena service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Session opens a Session stream.
func (c *Client) Session(ctx context.Context, opts ...grpc.CallOption) (SessionClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, wrapperspb.StringValue]{ClientStream: stream}, nil
}

// Command runs one command. ctx must carry the player and token metadata.
func (c *Client) Command(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, CommandMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Queues lists the queue catalog.
func (c *Client) Queues(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, QueuesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
