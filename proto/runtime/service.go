// ABOUTME: Hand-written gRPC service descriptor and stubs for AgentRuntime.OpenChannel.
// ABOUTME: Shaped like protoc-gen-go-grpc output so callers use the usual Register/New pattern.

package runtime

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName           = "coven.runtime.v1.AgentRuntime"
	OpenChannelFullMethod = "/coven.runtime.v1.AgentRuntime/OpenChannel"
)

// AgentRuntimeClient is the client API for the AgentRuntime service.
type AgentRuntimeClient interface {
	OpenChannel(ctx context.Context, opts ...grpc.CallOption) (AgentRuntime_OpenChannelClient, error)
}

// AgentRuntime_OpenChannelClient is the worker end of the bidirectional channel.
type AgentRuntime_OpenChannelClient interface {
	Send(*WorkerMessage) error
	Recv() (*GatewayMessage, error)
	grpc.ClientStream
}

type agentRuntimeClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentRuntimeClient(cc grpc.ClientConnInterface) AgentRuntimeClient {
	return &agentRuntimeClient{cc}
}

func (c *agentRuntimeClient) OpenChannel(ctx context.Context, opts ...grpc.CallOption) (AgentRuntime_OpenChannelClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], OpenChannelFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &agentRuntimeOpenChannelClient{stream}, nil
}

type agentRuntimeOpenChannelClient struct {
	grpc.ClientStream
}

func (x *agentRuntimeOpenChannelClient) Send(m *WorkerMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *agentRuntimeOpenChannelClient) Recv() (*GatewayMessage, error) {
	m := new(GatewayMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentRuntimeServer is the server API for the AgentRuntime service.
type AgentRuntimeServer interface {
	OpenChannel(AgentRuntime_OpenChannelServer) error
}

// AgentRuntime_OpenChannelServer is the gateway end of the bidirectional channel.
type AgentRuntime_OpenChannelServer interface {
	Send(*GatewayMessage) error
	Recv() (*WorkerMessage, error)
	grpc.ServerStream
}

// UnimplementedAgentRuntimeServer can be embedded to satisfy AgentRuntimeServer.
type UnimplementedAgentRuntimeServer struct{}

func (UnimplementedAgentRuntimeServer) OpenChannel(AgentRuntime_OpenChannelServer) error {
	return status.Error(codes.Unimplemented, "method OpenChannel not implemented")
}

func RegisterAgentRuntimeServer(s grpc.ServiceRegistrar, srv AgentRuntimeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _AgentRuntime_OpenChannel_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentRuntimeServer).OpenChannel(&agentRuntimeOpenChannelServer{stream})
}

type agentRuntimeOpenChannelServer struct {
	grpc.ServerStream
}

func (x *agentRuntimeOpenChannelServer) Send(m *GatewayMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *agentRuntimeOpenChannelServer) Recv() (*WorkerMessage, error) {
	m := new(WorkerMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ServiceDesc is the grpc.ServiceDesc for AgentRuntime.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentRuntimeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "OpenChannel",
			Handler:       _AgentRuntime_OpenChannel_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/runtime/runtime.proto",
}
