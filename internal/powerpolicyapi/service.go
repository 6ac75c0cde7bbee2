// Package powerpolicyapi defines the northbound Power Policy IPC surface
// (spec.md §6): the gRPC service the car framework dials into, as
// opposed to internal/vhalapi's VHAL-client-facing surface. Hand-built in
// the same style as vhalapi.VhalServiceDesc since no protoc stub
// generation is available in this tree.
package powerpolicyapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

// Empty is the argument/result type for RPCs that carry no payload.
type Empty struct{}

type PolicyResponse struct {
	Policy powercomponent.Policy
}

type ComponentStateRequest struct {
	Component powercomponent.Component
}

type ComponentStateResponse struct {
	Enabled bool
}

// ApplyRequest is applyPowerPolicy's argument: gated by a feature flag,
// unsupported when disabled.
type ApplyRequest struct {
	PolicyID string
}

type GroupRequest struct {
	GroupID string
}

// ReadyResponse is notifyCarServiceReady's result: the takeover handshake
// snapshot.
type ReadyResponse struct {
	CurrentPolicyID    string
	CurrentGroupID     string
	RegisteredPolicies []string
	CustomComponents   []int32
}

// NotifyChangeRequest is notifyPowerPolicyChange's argument, the
// framework-only pre-takeover apply path.
type NotifyChangeRequest struct {
	PolicyID string
	Force    bool
}

// DefineRequest is notifyPowerPolicyDefinition's argument.
type DefineRequest struct {
	PolicyID       string
	EnabledStd     []powercomponent.Component
	DisabledStd    []powercomponent.Component
	EnabledCustom  []int32
	DisabledCustom []int32
}

// ApplyAsyncRequest is applyPowerPolicyAsync's argument, the post-takeover
// request channel.
type ApplyAsyncRequest struct {
	RequestID string
	PolicyID  string
	Force     bool
}

type UnregisterRequest struct {
	Handle string
}

// RegisterCallbackRequest is registerPowerPolicyChangeCallback's argument:
// a caller handle plus the component subset it wants notified about.
type RegisterCallbackRequest struct {
	Handle string
	Filter []powercomponent.Component
	PID    int32
}

// PolicyChangeEvent is pushed to a registered callback stream for every
// applied policy that intersects its filter.
type PolicyChangeEvent struct {
	Accumulated powercomponent.Policy
}

// PowerPolicyServer is implemented by the power-policy coordinator's gRPC
// front end (cmd/powerpolicyd).
type PowerPolicyServer interface {
	GetCurrentPolicy(ctx context.Context, req *Empty) (*PolicyResponse, error)
	GetPowerComponentState(ctx context.Context, req *ComponentStateRequest) (*ComponentStateResponse, error)
	ApplyPowerPolicy(ctx context.Context, req *ApplyRequest) (*Empty, error)
	SetPowerPolicyGroup(ctx context.Context, req *GroupRequest) (*Empty, error)
	NotifyCarServiceReady(ctx context.Context, req *Empty) (*ReadyResponse, error)
	NotifyPowerPolicyChange(ctx context.Context, req *NotifyChangeRequest) (*Empty, error)
	NotifyPowerPolicyDefinition(ctx context.Context, req *DefineRequest) (*Empty, error)
	ApplyPowerPolicyAsync(ctx context.Context, req *ApplyAsyncRequest) (*Empty, error)
	UnregisterPowerPolicyChangeCallback(ctx context.Context, req *UnregisterRequest) (*Empty, error)
	RegisterPowerPolicyChangeCallback(req *RegisterCallbackRequest, stream PowerPolicy_RegisterCallbackServer) error
}

// PowerPolicy_RegisterCallbackServer is the server-side half of the
// registerPowerPolicyChangeCallback stream.
type PowerPolicy_RegisterCallbackServer interface {
	Send(*PolicyChangeEvent) error
	grpc.ServerStream
}

type policyChangeServer struct {
	grpc.ServerStream
}

func (s *policyChangeServer) Send(e *PolicyChangeEvent) error {
	return s.ServerStream.SendMsg(e)
}

// PowerPolicyServiceDesc is the hand-built equivalent of a
// protoc-generated ServiceDesc targeting PowerPolicyServer.
var PowerPolicyServiceDesc = grpc.ServiceDesc{
	ServiceName: "vhalguard.powerpolicyapi.PowerPolicy",
	HandlerType: (*PowerPolicyServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetCurrentPolicy", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.GetCurrentPolicy(ctx, req.(*Empty))
		}, func() any { return new(Empty) }),
		unaryMethod("GetPowerComponentState", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.GetPowerComponentState(ctx, req.(*ComponentStateRequest))
		}, func() any { return new(ComponentStateRequest) }),
		unaryMethod("ApplyPowerPolicy", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.ApplyPowerPolicy(ctx, req.(*ApplyRequest))
		}, func() any { return new(ApplyRequest) }),
		unaryMethod("SetPowerPolicyGroup", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.SetPowerPolicyGroup(ctx, req.(*GroupRequest))
		}, func() any { return new(GroupRequest) }),
		unaryMethod("NotifyCarServiceReady", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.NotifyCarServiceReady(ctx, req.(*Empty))
		}, func() any { return new(Empty) }),
		unaryMethod("NotifyPowerPolicyChange", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.NotifyPowerPolicyChange(ctx, req.(*NotifyChangeRequest))
		}, func() any { return new(NotifyChangeRequest) }),
		unaryMethod("NotifyPowerPolicyDefinition", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.NotifyPowerPolicyDefinition(ctx, req.(*DefineRequest))
		}, func() any { return new(DefineRequest) }),
		unaryMethod("ApplyPowerPolicyAsync", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.ApplyPowerPolicyAsync(ctx, req.(*ApplyAsyncRequest))
		}, func() any { return new(ApplyAsyncRequest) }),
		unaryMethod("UnregisterPowerPolicyChangeCallback", func(s PowerPolicyServer, ctx context.Context, req any) (any, error) {
			return s.UnregisterPowerPolicyChangeCallback(ctx, req.(*UnregisterRequest))
		}, func() any { return new(UnregisterRequest) }),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "RegisterPowerPolicyChangeCallback",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(RegisterCallbackRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(PowerPolicyServer).RegisterPowerPolicyChangeCallback(req, &policyChangeServer{ServerStream: stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "powerpolicyapi/powerpolicy.proto",
}

// RegisterPowerPolicyServer registers srv against s, the hand-built
// equivalent of a protoc-generated RegisterPowerPolicyServer helper.
func RegisterPowerPolicyServer(s grpc.ServiceRegistrar, srv PowerPolicyServer) {
	s.RegisterService(&PowerPolicyServiceDesc, srv)
}

// unaryMethod builds a grpc.MethodDesc from a typed handler and a request
// allocator, the shared shape behind every unary method above.
func unaryMethod(name string, fn func(PowerPolicyServer, context.Context, any) (any, error), newReq func() any) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(PowerPolicyServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vhalguard.powerpolicyapi.PowerPolicy/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(PowerPolicyServer), ctx, req)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}
