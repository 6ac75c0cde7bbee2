package watchdogapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/clients"
	"github.com/carplatform/vhalguard/internal/healthcheck"
	"github.com/carplatform/vhalguard/internal/ipc"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// Server is the gRPC-facing Watchdog IPC implementation, backing every
// registerClient/registerMonitor/registerCarWatchdogService call with
// healthcheck.Scheduler.
type Server struct {
	scheduler *healthcheck.Scheduler
	log       *zap.Logger
}

// New builds a watchdog gRPC server fronting scheduler.
func New(scheduler *healthcheck.Scheduler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{scheduler: scheduler, log: log}
}

// RegisterClient blocks for the lifetime of the stream: the client is
// registered on entry and unregistered on any exit path (stream closed,
// context canceled), mirroring a binder death notification.
func (s *Server) RegisterClient(req *RegisterClientRequest, stream Watchdog_RegisterClientServer) error {
	if req.Handle == "" {
		return rpcerr.ToGRPCStatus(rpcerr.New(rpcerr.InvalidArgument, "client handle must not be empty", nil))
	}
	entry := entryFromRegisterRequest(req, stream)
	if err := s.scheduler.RegisterClient(entry); err != nil {
		return rpcerr.ToGRPCStatus(err)
	}
	defer func() {
		if err := s.scheduler.UnregisterClient(entry.Handle); err != nil {
			s.log.Debug("client unregister on stream exit failed", zap.String("handle", req.Handle), zap.Error(err))
		}
	}()
	<-stream.Context().Done()
	return nil
}

func (s *Server) UnregisterClient(_ context.Context, req *UnregisterClientRequest) (*Empty, error) {
	if err := s.scheduler.UnregisterClient(clients.Handle(req.Handle)); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) TellClientAlive(_ context.Context, req *AliveRequest) (*Empty, error) {
	if err := s.scheduler.TellClientAlive(req.SessionID); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

// streamMonitor adapts ipc.Monitor onto a RegisterMonitor stream, pushing
// every unresponsive batch the scheduler reports down to the caller.
type streamMonitor struct {
	send func([]ipc.ProcessIdentifier) error
}

func (m *streamMonitor) OnClientsNotResponding(list []ipc.ProcessIdentifier) {
	if err := m.send(list); err != nil {
		return
	}
}

// RegisterMonitor blocks for the stream's lifetime, unregistering the
// monitor on any exit path.
func (s *Server) RegisterMonitor(req *RegisterMonitorRequest, stream Watchdog_RegisterMonitorServer) error {
	if req.Handle == "" {
		return rpcerr.ToGRPCStatus(rpcerr.New(rpcerr.InvalidArgument, "monitor handle must not be empty", nil))
	}
	handle := healthcheck.MonitorHandle(req.Handle)
	mon := &streamMonitor{send: func(list []ipc.ProcessIdentifier) error {
		out := make([]ProcessIdentifier, len(list))
		for i, p := range list {
			out[i] = ProcessIdentifier{PID: p.PID, ProcessStartTimeMs: p.ProcessStartTimeMs}
		}
		return stream.Send(&NotRespondingEvent{Processes: out})
	}}
	if err := s.scheduler.RegisterMonitor(handle, mon); err != nil {
		return rpcerr.ToGRPCStatus(err)
	}
	defer s.scheduler.OnMonitorDeath(handle)
	<-stream.Context().Done()
	return nil
}

func (s *Server) UnregisterMonitor(_ context.Context, req *UnregisterMonitorRequest) (*Empty, error) {
	if err := s.scheduler.UnregisterMonitor(healthcheck.MonitorHandle(req.Handle)); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) TellDumpFinished(_ context.Context, req *DumpFinishedRequest) (*Empty, error) {
	pid := ipc.ProcessIdentifier{PID: req.PID, ProcessStartTimeMs: req.ProcessStartTimeMs}
	if err := s.scheduler.TellDumpFinished(healthcheck.MonitorHandle(req.MonitorHandle), pid); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

// RegisterCarWatchdogService blocks for the stream's lifetime like
// RegisterClient, but registers the AOSP relay client type.
func (s *Server) RegisterCarWatchdogService(req *RegisterServiceRequest, stream Watchdog_RegisterCarWatchdogServiceServer) error {
	if req.Handle == "" {
		return rpcerr.ToGRPCStatus(rpcerr.New(rpcerr.InvalidArgument, "service handle must not be empty", nil))
	}
	entry := entryFromServiceRequest(req, stream)
	if err := s.scheduler.RegisterCarWatchdogService(entry); err != nil {
		return rpcerr.ToGRPCStatus(err)
	}
	defer func() {
		if err := s.scheduler.UnregisterCarWatchdogService(entry.Handle); err != nil {
			s.log.Debug("service unregister on stream exit failed", zap.String("handle", req.Handle), zap.Error(err))
		}
	}()
	<-stream.Context().Done()
	return nil
}

func (s *Server) UnregisterCarWatchdogService(_ context.Context, req *UnregisterServiceRequest) (*Empty, error) {
	if err := s.scheduler.UnregisterCarWatchdogService(clients.Handle(req.Handle)); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) TellCarWatchdogServiceAlive(_ context.Context, req *ServiceAliveRequest) (*Empty, error) {
	notResponding := make([]ipc.ProcessIdentifier, len(req.NotResponding))
	for i, p := range req.NotResponding {
		notResponding[i] = ipc.ProcessIdentifier{PID: p.PID, ProcessStartTimeMs: p.ProcessStartTimeMs}
	}
	if err := s.scheduler.TellCarWatchdogServiceAlive(req.SessionID, notResponding); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}
