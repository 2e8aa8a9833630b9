package transport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"raftcore/internal/raft/fsm"
)

// Server hosts a Node's RPC endpoints on a gRPC listener and registers its
// own address with the resolver registry so peers dialing "raft:///<id>"
// can find it.
type Server struct {
	id         fsm.NodeID
	grpcServer *grpc.Server
	listener   net.Listener
}

// Listen binds addr and registers node's RPC handlers under id. Call Serve
// to start accepting connections.
func Listen(id fsm.NodeID, addr string, node RaftServer) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	RegisterRaftServer(grpcServer, node)
	RegisterPeer(id, lis.Addr().String())

	return &Server{id: id, grpcServer: grpcServer, listener: lis}, nil
}

// Addr returns the address actually bound (useful when addr passed to
// Listen used port 0).
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks, accepting RPCs until Stop is called.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully shuts down the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
