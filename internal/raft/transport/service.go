package transport

import (
	"context"

	"google.golang.org/grpc"

	"raftcore/internal/raft/raftpb"
)

// RaftServer is the service interface a Node's RPC endpoints satisfy. It is
// the hand-written counterpart of what protoc-gen-go-grpc would emit from a
// raft.proto service definition; raftpb carries no descriptors to generate
// from, so the service is wired directly against grpc.ServiceDesc instead.
type RaftServer interface {
	HandleRequestVote(context.Context, raftpb.RequestVote) (raftpb.VoteReply, error)
	HandleAppendEntries(context.Context, raftpb.AppendEntries) (raftpb.AppendEntriesReply, error)
}

// RaftClient is the client-side counterpart of RaftServer.
type RaftClient interface {
	RequestVote(ctx context.Context, in *raftpb.RequestVote, opts ...grpc.CallOption) (*raftpb.VoteReply, error)
	AppendEntries(ctx context.Context, in *raftpb.AppendEntries, opts ...grpc.CallOption) (*raftpb.AppendEntriesReply, error)
}

type raftClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftClient wraps an established connection for making Raft RPCs.
func NewRaftClient(cc grpc.ClientConnInterface) RaftClient {
	return &raftClient{cc: cc}
}

func (c *raftClient) RequestVote(ctx context.Context, in *raftpb.RequestVote, opts ...grpc.CallOption) (*raftpb.VoteReply, error) {
	out := new(raftpb.VoteReply)
	if err := c.cc.Invoke(ctx, "/raftcore.Raft/RequestVote", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftClient) AppendEntries(ctx context.Context, in *raftpb.AppendEntries, opts ...grpc.CallOption) (*raftpb.AppendEntriesReply, error) {
	out := new(raftpb.AppendEntriesReply)
	if err := c.cc.Invoke(ctx, "/raftcore.Raft/AppendEntries", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raftpb.RequestVote)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).HandleRequestVote(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftcore.Raft/RequestVote"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServer).HandleRequestVote(ctx, *req.(*raftpb.RequestVote))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raftpb.AppendEntries)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).HandleAppendEntries(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftcore.Raft/AppendEntries"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServer).HandleAppendEntries(ctx, *req.(*raftpb.AppendEntries))
	}
	return interceptor(ctx, in, info, handler)
}

// raftServiceDesc describes the Raft RPC service to grpc.Server.
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftcore.Raft",
	HandlerType: (*RaftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftcore/internal/raft/transport/service.go",
}

// RegisterRaftServer registers srv's RPC endpoints on s.
func RegisterRaftServer(s grpc.ServiceRegistrar, srv RaftServer) {
	s.RegisterService(&raftServiceDesc, srv)
}
