// Package rpc implements the debug/introspection protocol: a small
// gRPC service exposing live buffer-cache and inode-cache occupancy,
// the same shape of control-plane RPC the teacher embeds in its FUSE
// daemon (a grpc.Server on a dedicated listener, serving alongside the
// main request loop rather than blocking it).
package rpc

import (
	"context"
	"net"

	"golang.org/x/net/trace"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/inode"
)

// Server implements DebugStatsServer against a live buffer cache and
// inode cache.
type Server struct {
	UnimplementedDebugStatsServer

	Bufs   *buf.Cache
	Inodes *inode.Cache
}

// NewServer returns a Server reporting on bufs and inodes.
func NewServer(bufs *buf.Cache, inodes *inode.Cache) *Server {
	return &Server{Bufs: bufs, Inodes: inodes}
}

// CacheStats implements DebugStatsServer.
func (s *Server) CacheStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	tr := trace.New("rpc.DebugStats", "CacheStats")
	defer tr.Finish()

	bs := s.Bufs.Stats()
	is := s.Inodes.Stats()
	tr.LazyPrintf("buf: %+v inode: %+v", bs, is)

	st, err := structpb.NewStruct(map[string]interface{}{
		"buf.total":    float64(bs.Total),
		"buf.busy":     float64(bs.Busy),
		"buf.dirty":    float64(bs.Dirty),
		"buf.free":     float64(bs.Free),
		"inode.total":  float64(is.Total),
		"inode.busy":   float64(is.Busy),
		"inode.locked": float64(is.Locked),
		"inode.free":   float64(is.Free),
	})
	if err != nil {
		tr.SetError()
		return nil, xerrors.Errorf("rpc: encoding cache stats: %w", err)
	}
	return st, nil
}

// Serve registers srv on a fresh grpc.Server and serves ln until ln is
// closed or the server is stopped, using the plain grpc.NewServer /
// Register / Serve(ln) sequence.
func Serve(ln net.Listener, srv *Server) error {
	s := grpc.NewServer()
	RegisterDebugStatsServer(s, srv)
	return s.Serve(ln)
}
