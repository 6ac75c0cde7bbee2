// Package operator — server.go
//
// Unix domain socket server exposing the perf collection dump surface
// (spec.md §6's start_perf/stop_perf/status) to local operator tools, so
// the CLI in internal/dumpcli has a concrete transport rather than only
// an in-process Run() entry point.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: configurable, defaults to /run/vhalguard/resourcewatchdogd.sock.
// Permissions: 0600, owned by the daemon's user.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"start_perf","interval_sec":3,"max_duration_sec":11}
//	  → Starts a custom collection run. interval_sec/max_duration_sec
//	    default to 10 and 1800 when omitted.
//	  → Response: {"ok":true,"state":"CUSTOM"}
//
//	{"cmd":"stop_perf"}
//	  → Ends the running custom collection and returns its report.
//	  → Response: {"ok":true,"state":"PERIODIC","report":"collected 4 records\n..."}
//
//	{"cmd":"status"}
//	  → Returns the current collection FSM state.
//	  → Response: {"ok":true,"state":"PERIODIC"}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/perfservice"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd             string `json:"cmd"` // start_perf | stop_perf | status
	IntervalSec     int    `json:"interval_sec,omitempty"`
	MaxDurationSec  int    `json:"max_duration_sec,omitempty"`
	FilterPackages  string `json:"filter_packages,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	State  string `json:"state,omitempty"`
	Report string `json:"report,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	svc        *perfservice.Service
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server fronting svc.
func NewServer(socketPath string, svc *perfservice.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		svc:        svc,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(context.Background(), req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "start_perf":
		return s.cmdStartPerf(ctx, req)
	case "stop_perf":
		return s.cmdStopPerf(ctx)
	case "status":
		return s.cmdStatus()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStartPerf(ctx context.Context, req Request) Response {
	interval := 10 * time.Second
	if req.IntervalSec > 0 {
		interval = time.Duration(req.IntervalSec) * time.Second
	}
	maxDuration := 30 * time.Minute
	if req.MaxDurationSec > 0 {
		maxDuration = time.Duration(req.MaxDurationSec) * time.Second
	}

	var filter map[string]bool
	if req.FilterPackages != "" {
		filter = make(map[string]bool)
		for _, pkg := range strings.Split(req.FilterPackages, ",") {
			pkg = strings.TrimSpace(pkg)
			if pkg != "" {
				filter[pkg] = true
			}
		}
	}

	if err := s.svc.StartCustomCollection(ctx, interval, maxDuration, filter); err != nil {
		s.log.Info("operator: start_perf rejected", zap.Error(err))
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: start_perf accepted", zap.Duration("interval", interval), zap.Duration("max_duration", maxDuration))
	return Response{OK: true, State: s.svc.State().String()}
}

func (s *Server) cmdStopPerf(ctx context.Context) Response {
	report, err := s.svc.StopPerfCollection(ctx)
	if err != nil {
		s.log.Info("operator: stop_perf rejected", zap.Error(err))
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: stop_perf accepted")
	return Response{OK: true, State: s.svc.State().String(), Report: report}
}

func (s *Server) cmdStatus() Response {
	return Response{OK: true, State: s.svc.State().String()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
