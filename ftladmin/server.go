// Package ftladmin exposes a Facade's stats and maintenance operations
// over gRPC (using a hand-rolled JSON codec and a manually constructed
// grpc.ServiceDesc, rather than protoc-generated stubs) and, in parallel,
// over a small HTTP status surface.
package ftladmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/flashftl/pageftl/ftl"
	"github.com/flashftl/pageftl/gc"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// StatsRequest carries no fields; kept as a named type so the RPC method
// shape matches request/response pairs throughout, not request/bare-value.
type StatsRequest struct{}

// StatsResponse mirrors ftl.Stats over the wire.
type StatsResponse struct {
	TotalBlocks uint64 `json:"total_blocks"`
	FreeBlocks  uint64 `json:"free_blocks"`
	DirtyBlocks uint64 `json:"dirty_blocks"`
	BadBlocks   uint64 `json:"bad_blocks"`
	GCNeeded    bool   `json:"gc_needed"`
}

// TriggerGCRequest carries no fields.
type TriggerGCRequest struct{}

// TriggerGCResponse mirrors gc.Result over the wire.
type TriggerGCResponse struct {
	BlocksReclaimed uint64 `json:"blocks_reclaimed"`
	PagesMigrated   uint64 `json:"pages_migrated"`
	PagesDropped    uint64 `json:"pages_dropped"`
	Error           string `json:"error,omitempty"`
}

// TriggerBadblockScanRequest carries no fields — this operation is
// always destructive and always scans the whole array.
type TriggerBadblockScanRequest struct{}

// TriggerBadblockScanResponse mirrors badblock.Result over the wire.
type TriggerBadblockScanResponse struct {
	BlocksErased uint64 `json:"blocks_erased"`
	BlocksBad    uint64 `json:"blocks_bad"`
	Error        string `json:"error,omitempty"`
}

// FTLAdminServer is the interface an admin gRPC server implementation
// must satisfy, the hand-rolled equivalent of what protoc would generate
// from a .proto service definition.
type FTLAdminServer interface {
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	TriggerGC(context.Context, *TriggerGCRequest) (*TriggerGCResponse, error)
	TriggerBadblockScan(context.Context, *TriggerBadblockScanRequest) (*TriggerBadblockScanResponse, error)
}

// Server wraps a *ftl.Facade and implements FTLAdminServer.
type Server struct {
	f *ftl.Facade
}

// NewServer wraps f for serving over gRPC and HTTP.
func NewServer(f *ftl.Facade) *Server { return &Server{f: f} }

func (s *Server) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	st := s.f.Stats()
	return &StatsResponse{
		TotalBlocks: st.TotalBlocks,
		FreeBlocks:  st.FreeBlocks,
		DirtyBlocks: st.DirtyBlocks,
		BadBlocks:   st.BadBlocks,
		GCNeeded:    st.GCNeeded,
	}, nil
}

func (s *Server) TriggerGC(ctx context.Context, _ *TriggerGCRequest) (*TriggerGCResponse, error) {
	res, err := s.f.DoGC()
	resp := &TriggerGCResponse{
		BlocksReclaimed: res.BlocksReclaimed,
		PagesMigrated:   res.PagesMigrated,
		PagesDropped:    res.PagesDropped,
	}
	if err != nil {
		if errors.Is(err, ftl.ErrGCInProgress) || errors.Is(err, gc.ErrNoWorkNeeded) {
			resp.Error = err.Error()
			return resp, nil
		}
		return resp, fmt.Errorf("ftladmin: trigger gc: %w", err)
	}
	return resp, nil
}

func (s *Server) TriggerBadblockScan(ctx context.Context, _ *TriggerBadblockScanRequest) (*TriggerBadblockScanResponse, error) {
	res, err := s.f.ScanBadblocks(nil)
	resp := &TriggerBadblockScanResponse{
		BlocksErased: res.BlocksErased,
		BlocksBad:    res.BlocksBad,
	}
	if err != nil {
		return resp, fmt.Errorf("ftladmin: trigger badblock scan: %w", err)
	}
	return resp, nil
}

// ─── hand-rolled ServiceDesc ─────────────────────────────────────────────

func _FTLAdmin_Stats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FTLAdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pageftl.FTLAdmin/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FTLAdminServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _FTLAdmin_TriggerGC_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TriggerGCRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FTLAdminServer).TriggerGC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pageftl.FTLAdmin/TriggerGC"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FTLAdminServer).TriggerGC(ctx, req.(*TriggerGCRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _FTLAdmin_TriggerBadblockScan_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TriggerBadblockScanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FTLAdminServer).TriggerBadblockScan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pageftl.FTLAdmin/TriggerBadblockScan"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FTLAdminServer).TriggerBadblockScan(ctx, req.(*TriggerBadblockScanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the manually constructed grpc.ServiceDesc a protoc-gen-go
// plugin would otherwise emit.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "pageftl.FTLAdmin",
	HandlerType: (*FTLAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: _FTLAdmin_Stats_Handler},
		{MethodName: "TriggerGC", Handler: _FTLAdmin_TriggerGC_Handler},
		{MethodName: "TriggerBadblockScan", Handler: _FTLAdmin_TriggerBadblockScan_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pageftl/ftladmin.proto",
}

// RegisterFTLAdminServer registers srv against gs under ServiceDesc.
func RegisterFTLAdminServer(gs *grpc.Server, srv FTLAdminServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

// ─── HTTP surface ────────────────────────────────────────────────────────

// HTTPHandler returns an http.Handler exposing the same three operations
// as plain JSON endpoints, for callers that would rather not speak gRPC.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleHTTPStats)
	mux.HandleFunc("/api/gc", s.handleHTTPTriggerGC)
	mux.HandleFunc("/api/badblock-scan", s.handleHTTPTriggerBadblockScan)
	return mux
}

func (s *Server) handleHTTPStats(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Stats(r.Context(), &StatsRequest{})
	writeJSON(w, resp, err)
}

func (s *Server) handleHTTPTriggerGC(w http.ResponseWriter, r *http.Request) {
	resp, err := s.TriggerGC(r.Context(), &TriggerGCRequest{})
	writeJSON(w, resp, err)
}

func (s *Server) handleHTTPTriggerBadblockScan(w http.ResponseWriter, r *http.Request) {
	resp, err := s.TriggerBadblockScan(r.Context(), &TriggerBadblockScanRequest{})
	writeJSON(w, resp, err)
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
			log.Printf("ftladmin: write error response: %v", encErr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ftladmin: write response: %v", err)
	}
}
