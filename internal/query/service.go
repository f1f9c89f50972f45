// Package query serves snapshot reads over gRPC on a Unix domain socket.
//
// Messages are well-known protobuf types so the service needs no generated
// code: requests are google.protobuf.Empty or Struct, responses are Struct.
package query

import (
	"context"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "orderflow.v1.SnapshotService"

	getStatsMethod  = "/" + ServiceName + "/GetStats"
	getLadderMethod = "/" + ServiceName + "/GetLadder"
)

// SnapshotServer is the server API for SnapshotService.
type SnapshotServer interface {
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetLadder accepts {"levels": n}; a missing levels means full depth.
	GetLadder(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterSnapshotServer registers srv on s.
func RegisterSnapshotServer(s grpc.ServiceRegistrar, srv SnapshotServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "GetLadder", Handler: getLadderHandler},
	},
	Metadata: "orderflow/v1/snapshot.proto",
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatsMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotServer).GetStats(ctx, req.(*emptypb.Empty))
	})
}

func getLadderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotServer).GetLadder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getLadderMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotServer).GetLadder(ctx, req.(*structpb.Struct))
	})
}

// SnapshotSource returns the most recent snapshot.
type SnapshotSource interface {
	Latest() *engine.Snapshot
}

// Handler implements SnapshotServer on top of a SnapshotSource.
type Handler struct {
	source SnapshotSource
}

func NewHandler(source SnapshotSource) *Handler {
	return &Handler{source: source}
}

func (h *Handler) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := h.source.Latest()
	st := snap.Stats()
	fields := map[string]any{
		"version":      float64(snap.Version()),
		"stable_ticks": snap.StableTicks(),
		"total_buys":   st.TotalBuys,
		"total_sells":  st.TotalSells,
		"net_delta":    st.NetDelta,
		"cvd":          st.CVD,
	}
	if !st.LastUpdate.IsZero() {
		fields["last_update"] = st.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	if raw, bucket, ok := snap.LastPrice(); ok {
		fields["price"] = raw
		fields["bucket"] = bucket
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

func (h *Handler) GetLadder(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	snap := h.source.Latest()
	levels := snap.Depth()
	if v, ok := req.GetFields()["levels"]; ok {
		n, isNum := v.GetKind().(*structpb.Value_NumberValue)
		if !isNum || n.NumberValue < 0 || n.NumberValue != float64(int(n.NumberValue)) {
			return nil, status.Errorf(codes.InvalidArgument, "levels must be a non-negative integer")
		}
		levels = int(n.NumberValue)
	}

	rows := snap.Ladder(levels)
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = map[string]any{
			"price":      r.Price,
			"buy_qty":    r.BuyQty,
			"sell_qty":   r.SellQty,
			"delta":      r.Delta,
			"spike":      string(r.Spike),
			"absorption": r.Absorption,
			"live":       r.Live,
		}
	}
	out, err := structpb.NewStruct(map[string]any{
		"version": float64(snap.Version()),
		"rows":    list,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode ladder: %v", err)
	}
	return out, nil
}
