// Code in this file follows the shape protoc-gen-go-grpc would emit
// for a one-RPC "DebugStats" service, hand-written because the
// request/reply types are the library's own well-known Empty/Struct
// messages rather than anything needing a .proto of its own.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const debugStatsServiceName = "rpc.DebugStats"

// DebugStatsClient is the client API for DebugStats.
type DebugStatsClient interface {
	// CacheStats returns a point-in-time snapshot of buffer-cache and
	// inode-cache occupancy, keyed "buf.total", "buf.busy", "buf.dirty",
	// "buf.free", "inode.total", "inode.busy", "inode.locked", "inode.free".
	CacheStats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type debugStatsClient struct {
	cc grpc.ClientConnInterface
}

// NewDebugStatsClient wraps cc as a DebugStatsClient.
func NewDebugStatsClient(cc grpc.ClientConnInterface) DebugStatsClient {
	return &debugStatsClient{cc}
}

func (c *debugStatsClient) CacheStats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+debugStatsServiceName+"/CacheStats", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// DebugStatsServer is the server API for DebugStats.
type DebugStatsServer interface {
	CacheStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// UnimplementedDebugStatsServer can be embedded to have forward
// compatible implementations.
type UnimplementedDebugStatsServer struct{}

func (UnimplementedDebugStatsServer) CacheStats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CacheStats not implemented")
}

// RegisterDebugStatsServer registers srv with s.
func RegisterDebugStatsServer(s grpc.ServiceRegistrar, srv DebugStatsServer) {
	s.RegisterService(&debugStatsServiceDesc, srv)
}

func debugStatsCacheStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugStatsServer).CacheStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + debugStatsServiceName + "/CacheStats",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DebugStatsServer).CacheStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var debugStatsServiceDesc = grpc.ServiceDesc{
	ServiceName: debugStatsServiceName,
	HandlerType: (*DebugStatsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CacheStats",
			Handler:    debugStatsCacheStatsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/debugstats.proto",
}
