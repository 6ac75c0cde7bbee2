package vhalapi

import (
	"context"

	"google.golang.org/grpc"
)

// Property names a VHAL property this tree exchanges. Values are stable
// wire identifiers, not Go-side implementation detail.
type Property int32

const (
	PowerPolicyReq Property = iota
	PowerPolicyGroupReq
	CurrentPowerPolicy
	VhalHeartbeat
	WatchdogAlive
	WatchdogTerminatedProcess
)

func (p Property) String() string {
	switch p {
	case PowerPolicyReq:
		return "POWER_POLICY_REQ"
	case PowerPolicyGroupReq:
		return "POWER_POLICY_GROUP_REQ"
	case CurrentPowerPolicy:
		return "CURRENT_POWER_POLICY"
	case VhalHeartbeat:
		return "VHAL_HEARTBEAT"
	case WatchdogAlive:
		return "WATCHDOG_ALIVE"
	case WatchdogTerminatedProcess:
		return "WATCHDOG_TERMINATED_PROCESS"
	default:
		return "UNKNOWN_PROPERTY"
	}
}

// PropertyValue is the tagged union carried on the wire: exactly one of
// StringValue/Int64Value/Int32Value is meaningful, per Property.
type PropertyValue struct {
	Property    Property
	StringValue string
	Int64Value  int64
	Int32Value  int32
}

// SubscribeRequest opens a server-stream of PropertyValue updates.
type SubscribeRequest struct {
	Property Property
}

// SetRequest writes a single property value; VhalService replies with
// SetResponse carrying a Supported bit for the unsupported-operation path.
type SetRequest struct {
	Value PropertyValue
}

type SetResponse struct {
	Supported bool
}

// GetConfigRequest/Response is the support probe used before subscribing
// to or setting an optional property.
type GetConfigRequest struct {
	Property Property
}

type GetConfigResponse struct {
	Supported bool
}

// VhalServer is implemented by the VHAL-side gRPC server. Production
// deployments back this with the real hardware abstraction layer; tests
// back it with an in-memory fake.
type VhalServer interface {
	Subscribe(req *SubscribeRequest, stream Vhal_SubscribeServer) error
	Set(ctx context.Context, req *SetRequest) (*SetResponse, error)
	GetPropertyConfig(ctx context.Context, req *GetConfigRequest) (*GetConfigResponse, error)
}

// Vhal_SubscribeServer is the server-side half of the Subscribe stream.
type Vhal_SubscribeServer interface {
	Send(*PropertyValue) error
	grpc.ServerStream
}

type vhalSubscribeServer struct {
	grpc.ServerStream
}

func (s *vhalSubscribeServer) Send(v *PropertyValue) error {
	return s.ServerStream.SendMsg(v)
}

// Vhal_SubscribeClient is the client-side half of the Subscribe stream.
type Vhal_SubscribeClient interface {
	Recv() (*PropertyValue, error)
	grpc.ClientStream
}

type vhalSubscribeClient struct {
	grpc.ClientStream
}

func (c *vhalSubscribeClient) Recv() (*PropertyValue, error) {
	v := new(PropertyValue)
	if err := c.ClientStream.RecvMsg(v); err != nil {
		return nil, err
	}
	return v, nil
}

// VhalServiceDesc is the hand-built equivalent of a protoc-generated
// ServiceDesc: the same shape grpc.NewServer().RegisterService expects,
// targeting VhalServer instead of a generated interface.
var VhalServiceDesc = grpc.ServiceDesc{
	ServiceName: "vhalguard.vhalapi.Vhal",
	HandlerType: (*VhalServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Set",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(SetRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(VhalServer).Set(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vhalguard.vhalapi.Vhal/Set"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(VhalServer).Set(ctx, req.(*SetRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "GetPropertyConfig",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(GetConfigRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(VhalServer).GetPropertyConfig(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vhalguard.vhalapi.Vhal/GetPropertyConfig"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(VhalServer).GetPropertyConfig(ctx, req.(*GetConfigRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "vhalapi/vhal.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(VhalServer).Subscribe(req, &vhalSubscribeServer{ServerStream: stream})
}

// VhalClient is the client-side stub, hand-written in place of protoc's
// generated client, over the same grpc.ClientConn.
type VhalClient interface {
	Subscribe(ctx context.Context, req *SubscribeRequest, opts ...grpc.CallOption) (Vhal_SubscribeClient, error)
	Set(ctx context.Context, req *SetRequest, opts ...grpc.CallOption) (*SetResponse, error)
	GetPropertyConfig(ctx context.Context, req *GetConfigRequest, opts ...grpc.CallOption) (*GetConfigResponse, error)
}

type vhalClient struct {
	cc grpc.ClientConnInterface
}

// NewVhalClient wraps an established connection, the same pairing the
// teacher's gossip client uses around its own ClientConn.
func NewVhalClient(cc grpc.ClientConnInterface) VhalClient {
	return &vhalClient{cc: cc}
}

func (c *vhalClient) Subscribe(ctx context.Context, req *SubscribeRequest, opts ...grpc.CallOption) (Vhal_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &VhalServiceDesc.Streams[0], "/vhalguard.vhalapi.Vhal/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	cs := &vhalSubscribeClient{ClientStream: stream}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *vhalClient) Set(ctx context.Context, req *SetRequest, opts ...grpc.CallOption) (*SetResponse, error) {
	resp := new(SetResponse)
	if err := c.cc.Invoke(ctx, "/vhalguard.vhalapi.Vhal/Set", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *vhalClient) GetPropertyConfig(ctx context.Context, req *GetConfigRequest, opts ...grpc.CallOption) (*GetConfigResponse, error) {
	resp := new(GetConfigResponse)
	if err := c.cc.Invoke(ctx, "/vhalguard.vhalapi.Vhal/GetPropertyConfig", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
