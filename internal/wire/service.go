// ABOUTME: Hand-written gRPC service descriptor for the AgentHub bidirectional stream.
// ABOUTME: Messages are JSON-encoded through a codec registered under the "json" subtype.

package wire

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by the agent stream.
const CodecName = "json"

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "probehub.AgentHub"

// ConnectMethod is the full method name of the agent stream.
const ConnectMethod = "/" + ServiceName + "/Connect"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// AgentHubServer is implemented by the hub.
type AgentHubServer interface {
	Connect(ConnectServer) error
}

// ConnectServer is the hub side of an agent stream.
type ConnectServer interface {
	Send(*ServerMessage) error
	Recv() (*AgentMessage, error)
	grpc.ServerStream
}

type connectServer struct {
	grpc.ServerStream
}

func (s *connectServer) Send(m *ServerMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *connectServer) Recv() (*AgentMessage, error) {
	m := new(AgentMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentHubServer).Connect(&connectServer{ServerStream: stream})
}

// ServiceDesc describes the AgentHub service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentHubServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "probehub/agenthub",
}

// RegisterAgentHubServer attaches srv to a gRPC server.
func RegisterAgentHubServer(s grpc.ServiceRegistrar, srv AgentHubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ConnectClient is the agent side of the stream.
type ConnectClient interface {
	Send(*AgentMessage) error
	Recv() (*ServerMessage, error)
	grpc.ClientStream
}

type connectClient struct {
	grpc.ClientStream
}

func (c *connectClient) Send(m *AgentMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *connectClient) Recv() (*ServerMessage, error) {
	m := new(ServerMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentHubClient opens agent streams to the hub.
type AgentHubClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentHubClient wraps an established client connection.
func NewAgentHubClient(cc grpc.ClientConnInterface) *AgentHubClient {
	return &AgentHubClient{cc: cc}
}

// Connect opens the bidirectional agent stream.
func (c *AgentHubClient) Connect(ctx context.Context, opts ...grpc.CallOption) (ConnectClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &connectClient{ClientStream: stream}, nil
}
