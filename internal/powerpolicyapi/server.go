package powerpolicyapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/catalog"
	"github.com/carplatform/vhalguard/internal/coordinator"
	"github.com/carplatform/vhalguard/internal/observerregistry"
	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// Server is the gRPC-facing Power Policy IPC implementation, backing every
// call with coordinator.Coordinator. enableDirectApply gates
// applyPowerPolicy/setPowerPolicyGroup per spec.md's feature-flag note;
// framework-only RPCs (notify*, applyPowerPolicyAsync) are unaffected.
type Server struct {
	coord             *coordinator.Coordinator
	cat               *catalog.Catalog
	enableDirectApply bool
	log               *zap.Logger
}

// New builds a power-policy gRPC server fronting coord.
func New(coord *coordinator.Coordinator, cat *catalog.Catalog, enableDirectApply bool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{coord: coord, cat: cat, enableDirectApply: enableDirectApply, log: log}
}

func (s *Server) GetCurrentPolicy(_ context.Context, _ *Empty) (*PolicyResponse, error) {
	meta, err := s.coord.GetCurrentPolicy()
	if err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &PolicyResponse{Policy: meta.Policy}, nil
}

func (s *Server) GetPowerComponentState(_ context.Context, req *ComponentStateRequest) (*ComponentStateResponse, error) {
	enabled, err := s.coord.GetPowerComponentState(req.Component)
	if err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &ComponentStateResponse{Enabled: enabled}, nil
}

func (s *Server) ApplyPowerPolicy(ctx context.Context, req *ApplyRequest) (*Empty, error) {
	if !s.enableDirectApply {
		return nil, rpcerr.ToGRPCStatus(rpcerr.New(rpcerr.Unsupported, "applyPowerPolicy is disabled", nil))
	}
	if err := s.coord.ApplyRegular(ctx, req.PolicyID, false); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) SetPowerPolicyGroup(_ context.Context, req *GroupRequest) (*Empty, error) {
	if !s.enableDirectApply {
		return nil, rpcerr.ToGRPCStatus(rpcerr.New(rpcerr.Unsupported, "setPowerPolicyGroup is disabled", nil))
	}
	if err := s.coord.SetPowerPolicyGroup(req.GroupID); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

// NotifyCarServiceReady runs the takeover handshake. Silent-mode hardware
// monitoring is left running here since stopping it is wired at the
// daemon's silentmode.Watcher, not reachable from this package without an
// import cycle; the watcher itself already no-ops once CarService takes
// over policy changes via NotifyPowerPolicyChange instead.
func (s *Server) NotifyCarServiceReady(_ context.Context, _ *Empty) (*ReadyResponse, error) {
	result := s.coord.NotifyServiceReady(nil)
	return &ReadyResponse{
		CurrentPolicyID:    result.CurrentPolicyID,
		CurrentGroupID:     result.CurrentGroupID,
		RegisteredPolicies: result.RegisteredPolicies,
		CustomComponents:   result.CustomComponents,
	}, nil
}

func (s *Server) NotifyPowerPolicyChange(ctx context.Context, req *NotifyChangeRequest) (*Empty, error) {
	if err := s.coord.ApplyRegular(ctx, req.PolicyID, req.Force); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) NotifyPowerPolicyDefinition(_ context.Context, req *DefineRequest) (*Empty, error) {
	if err := s.cat.DefinePolicy(req.PolicyID, req.EnabledStd, req.DisabledStd, req.EnabledCustom, req.DisabledCustom); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) ApplyPowerPolicyAsync(ctx context.Context, req *ApplyAsyncRequest) (*Empty, error) {
	if err := s.coord.ApplyAsync(ctx, req.RequestID, req.PolicyID, req.Force); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) UnregisterPowerPolicyChangeCallback(_ context.Context, req *UnregisterRequest) (*Empty, error) {
	if err := s.coord.UnregisterObserver(observerregistry.Handle(req.Handle)); err != nil {
		return nil, rpcerr.ToGRPCStatus(err)
	}
	return &Empty{}, nil
}

// streamObserver adapts coordinator.Observer onto a
// RegisterPowerPolicyChangeCallback stream, filtering to the subset of
// components the caller registered interest in.
type streamObserver struct {
	filter map[powercomponent.Component]bool
	send   func(powercomponent.Policy) error
}

func (o *streamObserver) OnPolicyChanged(accumulated powercomponent.Policy) {
	if len(o.filter) > 0 {
		accumulated = filterPolicy(accumulated, o.filter)
		if len(accumulated.EnabledStandard) == 0 && len(accumulated.DisabledStandard) == 0 {
			return
		}
	}
	if err := o.send(accumulated); err != nil {
		return
	}
}

func filterPolicy(p powercomponent.Policy, filter map[powercomponent.Component]bool) powercomponent.Policy {
	out := powercomponent.Policy{ID: p.ID, EnabledCustom: p.EnabledCustom, DisabledCustom: p.DisabledCustom}
	for _, c := range p.EnabledStandard {
		if filter[c] {
			out.EnabledStandard = append(out.EnabledStandard, c)
		}
	}
	for _, c := range p.DisabledStandard {
		if filter[c] {
			out.DisabledStandard = append(out.DisabledStandard, c)
		}
	}
	return out
}

// RegisterPowerPolicyChangeCallback blocks for the stream's lifetime,
// unregistering the observer on any exit path.
func (s *Server) RegisterPowerPolicyChangeCallback(req *RegisterCallbackRequest, stream PowerPolicy_RegisterCallbackServer) error {
	if req.Handle == "" {
		return rpcerr.ToGRPCStatus(rpcerr.New(rpcerr.InvalidArgument, "callback handle must not be empty", nil))
	}
	filter := make(map[powercomponent.Component]bool, len(req.Filter))
	for _, c := range req.Filter {
		filter[c] = true
	}
	obs := &streamObserver{filter: filter, send: func(p powercomponent.Policy) error {
		return stream.Send(&PolicyChangeEvent{Accumulated: p})
	}}
	handle := observerregistry.Handle(req.Handle)
	if err := s.coord.RegisterObserver(handle, req.PID, filter, obs); err != nil {
		return rpcerr.ToGRPCStatus(err)
	}
	defer func() {
		s.coord.OnObserverDeath(handle)
		s.log.Debug("power policy change callback unregistered on stream exit", zap.String("handle", req.Handle))
	}()
	<-stream.Context().Done()
	return nil
}
