package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"feedsentinel/internal/metrics"
	"feedsentinel/internal/query"
	"feedsentinel/internal/refresh"
)

const (
	adminRefreshMethod     = "/feedsentinel.v1.FeedAdmin/Refresh"
	adminListSourcesMethod = "/feedsentinel.v1.FeedAdmin/ListSources"
)

// AdminServer is the feedsentinel.v1.FeedAdmin service. Messages are
// protobuf well-known types so no generated code is needed.
type AdminServer interface {
	// Refresh requests a refresh cycle; the reply carries {"result": ...}.
	Refresh(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListSources returns {"sources": [...]} with one health row per source.
	ListSources(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: "feedsentinel.v1.FeedAdmin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Refresh", Handler: adminRefreshHandler},
		{MethodName: "ListSources", Handler: adminListSourcesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "feedsentinel/v1/admin.proto",
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

func adminRefreshHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Refresh(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: adminRefreshMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Refresh(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func adminListSourcesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListSources(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: adminListSourcesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListSources(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminClient calls the FeedAdmin service.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) Refresh(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, adminRefreshMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) ListSources(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, adminListSourcesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// adminService implements AdminServer on top of the HTTP server's state.
type adminService struct {
	srv *Server
}

func (a *adminService) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	result := a.srv.scheduler.TriggerRefresh()
	if result == refresh.TriggerRejected {
		metrics.AdminCalls.WithLabelValues("Refresh", codes.Unavailable.String()).Inc()
		return nil, status.Error(codes.Unavailable, "scheduler is not running")
	}
	out, err := structpb.NewStruct(map[string]any{"result": result.String()})
	if err != nil {
		metrics.AdminCalls.WithLabelValues("Refresh", codes.Internal.String()).Inc()
		return nil, status.Error(codes.Internal, err.Error())
	}
	metrics.AdminCalls.WithLabelValues("Refresh", codes.OK.String()).Inc()
	return out, nil
}

func (a *adminService) ListSources(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rows := query.Sources(a.srv.cache.Current(), a.srv.registry, a.srv.now())
	list := make([]any, 0, len(rows))
	for _, row := range rows {
		entry := map[string]any{
			"id":                   row.ID,
			"name":                 row.Name,
			"category":             string(row.Category),
			"priority":             row.Priority,
			"consecutive_failures": row.ConsecutiveFailures,
			"last_error":           row.LastError,
			"is_degraded":          row.IsDegraded,
			"item_count":           row.ItemCount,
			"staleness_seconds":    row.StalenessSeconds,
		}
		if !row.LastSuccessAt.IsZero() {
			entry["last_success_at"] = row.LastSuccessAt.UTC().Format(time.RFC3339)
		}
		list = append(list, entry)
	}
	out, err := structpb.NewStruct(map[string]any{"sources": list})
	if err != nil {
		metrics.AdminCalls.WithLabelValues("ListSources", codes.Internal.String()).Inc()
		return nil, status.Error(codes.Internal, err.Error())
	}
	metrics.AdminCalls.WithLabelValues("ListSources", codes.OK.String()).Inc()
	return out, nil
}
