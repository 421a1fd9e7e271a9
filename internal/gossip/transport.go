// Package gossip — transport.go
//
// Hand-rolled gRPC service definition for the parliament vote transport.
// No protoc-generated stubs exist for this service; instead, a codec is
// registered under grpc's reserved "proto" codec name that marshals
// plain Go structs as JSON, and the client/server stubs below are
// written by hand in the shape protoc-gen-go-grpc would otherwise
// produce. The wire is still real gRPC (HTTP/2, streaming framing,
// interceptor chain, mTLS) — only the message encoding differs from a
// textbook .proto build.
package gossip

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const serviceName = "grace.gossip.v1.ParliamentTransport"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// VoteEnvelope carries one node's vote on a governance decision, signed
// the same way the teacher's baseline-sharing envelope was: a
// deterministic byte encoding, Ed25519-signed, timestamped for replay
// rejection.
type VoteEnvelope struct {
	NodeID          string
	CorrelationID   string
	Approve         bool
	TimestampUnixNs int64
	Signature       []byte
}

// AckResponse is the CastVote reply.
type AckResponse struct {
	Accepted        bool
	RejectionReason string
}

// HealthRequest is the Health RPC's (empty) request.
type HealthRequest struct{}

// HealthResponse is the Health RPC's reply.
type HealthResponse struct {
	NodeID        string
	Status        string
	UptimeSeconds int64
}

// ParliamentServer is implemented by Server (parliament_server.go).
type ParliamentServer interface {
	CastVote(ctx context.Context, env *VoteEnvelope) (*AckResponse, error)
	Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc a protoc-gen-go-grpc build would
// have generated from a parliament.proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ParliamentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CastVote", Handler: castVoteHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "parliament.proto",
}

func castVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(VoteEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParliamentServer).CastVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CastVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ParliamentServer).CastVote(ctx, req.(*VoteEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParliamentServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Health"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ParliamentServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ParliamentClient is the caller-side stub used by nodes casting votes
// with their peers.
type ParliamentClient interface {
	CastVote(ctx context.Context, in *VoteEnvelope, opts ...grpc.CallOption) (*AckResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type parliamentClient struct {
	cc grpc.ClientConnInterface
}

// NewParliamentClient wraps an established *grpc.ClientConn.
func NewParliamentClient(cc grpc.ClientConnInterface) ParliamentClient {
	return &parliamentClient{cc: cc}
}

func (c *parliamentClient) CastVote(ctx context.Context, in *VoteEnvelope, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CastVote", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *parliamentClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Health", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterParliamentServer registers srv against the given grpc.Server.
func RegisterParliamentServer(s *grpc.Server, srv ParliamentServer) {
	s.RegisterService(&ServiceDesc, srv)
}
