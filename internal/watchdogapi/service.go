// Package watchdogapi defines the northbound Watchdog IPC surface
// (spec.md §6): the gRPC service car-framework clients and the
// CarWatchdogService relay dial into. Hand-built in the same style as
// vhalapi.VhalServiceDesc since no protoc stub generation is available in
// this tree.
package watchdogapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/carplatform/vhalguard/internal/clients"
	"github.com/carplatform/vhalguard/internal/ipc"
)

type Empty struct{}

// RegisterClientRequest is registerClient's argument.
type RegisterClientRequest struct {
	Handle             string
	PID                int32
	ProcessStartTimeMs int64
	UserID             int32
	Track              ipc.TimeoutTrack
}

type UnregisterClientRequest struct {
	Handle string
}

// AliveRequest is tellClientAlive's argument.
type AliveRequest struct {
	SessionID int32
}

// RegisterMonitorRequest is registerMonitor's argument.
type RegisterMonitorRequest struct {
	Handle string
}

// NotRespondingEvent is pushed down a RegisterMonitor stream whenever the
// scheduler collects a round's unresponsive processes.
type NotRespondingEvent struct {
	Processes []ProcessIdentifier
}

type UnregisterMonitorRequest struct {
	Handle string
}

// DumpFinishedRequest is tellDumpFinished's argument.
type DumpFinishedRequest struct {
	MonitorHandle string
	PID           int32
	ProcessStartTimeMs int64
}

// RegisterServiceRequest is registerCarWatchdogService's argument.
type RegisterServiceRequest struct {
	Handle             string
	PID                int32
	ProcessStartTimeMs int64
	UserID             int32
}

type UnregisterServiceRequest struct {
	Handle string
}

// ServiceAliveRequest is tellCarWatchdogServiceAlive's argument: the
// relay's own session id plus every sub-client it could not reach.
type ServiceAliveRequest struct {
	SessionID     int32
	NotResponding []ProcessIdentifier
}

type ProcessIdentifier struct {
	PID                int32
	ProcessStartTimeMs int64
}

// clientAdapter answers CheckIfAlive by forwarding the ping over the
// registerClient stream as a server-streamed PingEvent, mirroring vhalapi's
// subscribe-stream pattern; the client answers through tellClientAlive.
type clientAdapter struct {
	notify func(sessionID int32) error
}

func (c *clientAdapter) CheckIfAlive(sessionID int32, _ ipc.TimeoutTrack) error {
	return c.notify(sessionID)
}

func (c *clientAdapter) PrepareProcessTermination() {}

// WatchdogServer is implemented by the resource watchdog's gRPC front end
// (cmd/resourcewatchdogd).
type WatchdogServer interface {
	RegisterClient(req *RegisterClientRequest, stream Watchdog_RegisterClientServer) error
	UnregisterClient(ctx context.Context, req *UnregisterClientRequest) (*Empty, error)
	TellClientAlive(ctx context.Context, req *AliveRequest) (*Empty, error)

	RegisterMonitor(req *RegisterMonitorRequest, stream Watchdog_RegisterMonitorServer) error
	UnregisterMonitor(ctx context.Context, req *UnregisterMonitorRequest) (*Empty, error)
	TellDumpFinished(ctx context.Context, req *DumpFinishedRequest) (*Empty, error)

	RegisterCarWatchdogService(req *RegisterServiceRequest, stream Watchdog_RegisterCarWatchdogServiceServer) error
	UnregisterCarWatchdogService(ctx context.Context, req *UnregisterServiceRequest) (*Empty, error)
	TellCarWatchdogServiceAlive(ctx context.Context, req *ServiceAliveRequest) (*Empty, error)
}

// PingEvent is pushed down a RegisterClient/RegisterCarWatchdogService
// stream each time the scheduler pings that handle, carrying the session
// id the client must echo back via TellClientAlive/
// TellCarWatchdogServiceAlive.
type PingEvent struct {
	SessionID int32
}

type Watchdog_RegisterClientServer interface {
	Send(*PingEvent) error
	grpc.ServerStream
}

type Watchdog_RegisterMonitorServer interface {
	Send(*NotRespondingEvent) error
	grpc.ServerStream
}

type notRespondingServer struct {
	grpc.ServerStream
}

func (s *notRespondingServer) Send(e *NotRespondingEvent) error {
	return s.ServerStream.SendMsg(e)
}

type Watchdog_RegisterCarWatchdogServiceServer interface {
	Send(*PingEvent) error
	grpc.ServerStream
}

type pingServer struct {
	grpc.ServerStream
}

func (s *pingServer) Send(e *PingEvent) error {
	return s.ServerStream.SendMsg(e)
}

// WatchdogServiceDesc is the hand-built equivalent of a protoc-generated
// ServiceDesc targeting WatchdogServer.
var WatchdogServiceDesc = grpc.ServiceDesc{
	ServiceName: "vhalguard.watchdogapi.Watchdog",
	HandlerType: (*WatchdogServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("UnregisterClient", func(s WatchdogServer, ctx context.Context, req any) (any, error) {
			return s.UnregisterClient(ctx, req.(*UnregisterClientRequest))
		}, func() any { return new(UnregisterClientRequest) }),
		unaryMethod("TellClientAlive", func(s WatchdogServer, ctx context.Context, req any) (any, error) {
			return s.TellClientAlive(ctx, req.(*AliveRequest))
		}, func() any { return new(AliveRequest) }),
		unaryMethod("UnregisterMonitor", func(s WatchdogServer, ctx context.Context, req any) (any, error) {
			return s.UnregisterMonitor(ctx, req.(*UnregisterMonitorRequest))
		}, func() any { return new(UnregisterMonitorRequest) }),
		unaryMethod("TellDumpFinished", func(s WatchdogServer, ctx context.Context, req any) (any, error) {
			return s.TellDumpFinished(ctx, req.(*DumpFinishedRequest))
		}, func() any { return new(DumpFinishedRequest) }),
		unaryMethod("UnregisterCarWatchdogService", func(s WatchdogServer, ctx context.Context, req any) (any, error) {
			return s.UnregisterCarWatchdogService(ctx, req.(*UnregisterServiceRequest))
		}, func() any { return new(UnregisterServiceRequest) }),
		unaryMethod("TellCarWatchdogServiceAlive", func(s WatchdogServer, ctx context.Context, req any) (any, error) {
			return s.TellCarWatchdogServiceAlive(ctx, req.(*ServiceAliveRequest))
		}, func() any { return new(ServiceAliveRequest) }),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "RegisterClient",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(RegisterClientRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(WatchdogServer).RegisterClient(req, &pingServer{ServerStream: stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "RegisterMonitor",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(RegisterMonitorRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(WatchdogServer).RegisterMonitor(req, &notRespondingServer{ServerStream: stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "RegisterCarWatchdogService",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(RegisterServiceRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(WatchdogServer).RegisterCarWatchdogService(req, &pingServer{ServerStream: stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "watchdogapi/watchdog.proto",
}

// RegisterWatchdogServer registers srv against s, the hand-built
// equivalent of a protoc-generated RegisterWatchdogServer helper.
func RegisterWatchdogServer(s grpc.ServiceRegistrar, srv WatchdogServer) {
	s.RegisterService(&WatchdogServiceDesc, srv)
}

func unaryMethod(name string, fn func(WatchdogServer, context.Context, any) (any, error), newReq func() any) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(WatchdogServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vhalguard.watchdogapi.Watchdog/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(WatchdogServer), ctx, req)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// entryFromRegisterRequest builds a clients.Entry from a registerClient
// request, wiring CheckIfAlive to push a PingEvent down stream.
func entryFromRegisterRequest(req *RegisterClientRequest, stream Watchdog_RegisterClientServer) clients.Entry {
	return clients.Entry{
		Handle:             clients.Handle(req.Handle),
		PID:                req.PID,
		ProcessStartTimeMs: req.ProcessStartTimeMs,
		UserID:             req.UserID,
		Track:              req.Track,
		Client:             &clientAdapter{notify: func(sessionID int32) error { return stream.Send(&PingEvent{SessionID: sessionID}) }},
	}
}

// entryFromServiceRequest builds the CarWatchdogService relay's
// clients.Entry, wired the same way as a regular client's ping channel.
func entryFromServiceRequest(req *RegisterServiceRequest, stream Watchdog_RegisterCarWatchdogServiceServer) clients.Entry {
	return clients.Entry{
		Handle:             clients.Handle(req.Handle),
		PID:                req.PID,
		ProcessStartTimeMs: req.ProcessStartTimeMs,
		UserID:             req.UserID,
		Track:              ipc.Critical,
		Client:             &clientAdapter{notify: func(sessionID int32) error { return stream.Send(&PingEvent{SessionID: sessionID}) }},
	}
}
