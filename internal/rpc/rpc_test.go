package rpc

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/inode"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tbl := device.NewTable()
	bufs := buf.NewCache(8, 4, tbl)
	inodes := inode.NewCache(4, 4, bufs)
	return NewServer(bufs, inodes)
}

func TestCacheStatsReportsPoolSizes(t *testing.T) {
	srv := newTestServer(t)
	st, err := srv.CacheStats(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := st.AsMap()
	if got["buf.total"] != float64(8) {
		t.Fatalf("buf.total = %v, want 8", got["buf.total"])
	}
	if got["inode.total"] != float64(4) {
		t.Fatalf("inode.total = %v, want 4", got["inode.total"])
	}
	if got["buf.busy"] != float64(0) || got["inode.busy"] != float64(0) {
		t.Fatalf("expected a fresh pool to report zero busy slots, got %v", got)
	}
}

func TestDebugHandlerServesCacheJSON(t *testing.T) {
	srv := newTestServer(t)
	h := DebugHandler(srv)

	req := httptest.NewRequest("GET", "/debug/cache", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("GET /debug/cache = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
}
