package rpc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam/export"
)

// maxMsgSize leaves room for message framing around a maximal unary payload.
const maxMsgSize = export.MaxUnaryBytes + 64*1024

// Server owns the gRPC server and its listener.
type Server struct {
	addr     string
	service  SLAMServiceServer
	server   *grpc.Server
	listener net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a server for svc that will listen on addr.
func NewServer(addr string, svc SLAMServiceServer) *Server {
	return &Server{addr: addr, service: svc}
}

// Start binds addr and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener in the background. Tests use it with
// an in-memory listener.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	s.listener = lis
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterSLAMServiceServer(s.server, s.service)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("Server listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[SLAM gRPC] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GRPCServer returns the underlying server for additional registrations.
func (s *Server) GRPCServer() *grpc.Server {
	return s.server
}

// Stop waits for in-flight calls to finish and shuts the server down.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.server.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("[SLAM gRPC] server stopped")
}
