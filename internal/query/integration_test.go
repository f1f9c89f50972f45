package query_test

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/caesar-terminal/orderflow/internal/query"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type fixedSource struct{ snap *engine.Snapshot }

func (f fixedSource) Latest() *engine.Snapshot { return f.snap }

// TestIntegration_SnapshotService starts a real gRPC server on a temporary
// Unix socket and reads stats and the ladder through the client.
func TestIntegration_SnapshotService(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flow.sock")

	eng, err := engine.New(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	now := time.UnixMilli(1_700_000_000_000)
	eng.ApplyBatch([]engine.TradeEvent{
		{Side: engine.Buy, Price: 100.2, Quantity: 2, Delta: 2},
		{Side: engine.Sell, Price: 100.6, Quantity: 0.5, Delta: -0.5},
	}, now)

	srv, err := query.NewServer(query.ServerConfig{SocketPath: socketPath}, fixedSource{snap: eng.Snapshot()}, quietLogger())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.GracefulStop)

	waitForSocket(t, socketPath)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected socket mode 0600, got %o", perm)
	}

	client, err := query.Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := client.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	f := stats.GetFields()
	if f["version"].GetNumberValue() != 1 {
		t.Errorf("expected version 1, got %v", f["version"])
	}
	if f["total_buys"].GetNumberValue() != 2 || f["total_sells"].GetNumberValue() != 0.5 {
		t.Errorf("unexpected totals %v", f)
	}
	if f["cvd"].GetNumberValue() != 1.5 || f["price"].GetNumberValue() != 100.6 || f["bucket"].GetNumberValue() != 100.5 {
		t.Errorf("unexpected price/cvd %v", f)
	}

	ladder, err := client.GetLadder(ctx, 1)
	if err != nil {
		t.Fatalf("GetLadder: %v", err)
	}
	rows := ladder.GetFields()["rows"].GetListValue().GetValues()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	top := rows[0].GetStructValue().GetFields()
	mid := rows[1].GetStructValue().GetFields()
	bottom := rows[2].GetStructValue().GetFields()
	if top["price"].GetNumberValue() != 101 || mid["price"].GetNumberValue() != 100.5 || bottom["price"].GetNumberValue() != 100 {
		t.Errorf("expected rows 101/100.5/100 highest first, got %v %v %v", top["price"], mid["price"], bottom["price"])
	}
	if !mid["live"].GetBoolValue() || mid["sell_qty"].GetNumberValue() != 0.5 {
		t.Errorf("unexpected live row %v", mid)
	}
	if bottom["buy_qty"].GetNumberValue() != 2 {
		t.Errorf("unexpected bottom row %v", bottom)
	}

	full, err := client.GetLadder(ctx, -1)
	if err != nil {
		t.Fatalf("GetLadder full: %v", err)
	}
	if n := len(full.GetFields()["rows"].GetListValue().GetValues()); n != 2*engine.DefaultConfig().LadderLevels+1 {
		t.Errorf("expected full-depth ladder, got %d rows", n)
	}
}

func TestServer_SocketModeAndCallAccounting(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "run", "flow.sock")
	// A leftover socket file from a crashed run must not block startup.
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	eng, err := engine.New(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv, err := query.NewServer(query.ServerConfig{SocketPath: socketPath, SocketMode: 0o660}, fixedSource{snap: eng.Snapshot()}, quietLogger())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	go srv.Serve()
	waitForSocket(t, socketPath)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Errorf("expected socket mode 0660, got %o", perm)
	}

	conn, err := grpc.NewClient("unix:"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Invoke(ctx, "/"+query.ServiceName+"/GetStats", &emptypb.Empty{}, new(structpb.Struct)); err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	bad := &structpb.Struct{Fields: map[string]*structpb.Value{"levels": structpb.NewStringValue("3")}}
	err = conn.Invoke(ctx, "/"+query.ServiceName+"/GetLadder", bad, new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	if total, failed := srv.Calls(); total != 2 || failed != 1 {
		t.Errorf("expected 2 calls with 1 failure, got %d/%d", total, failed)
	}

	srv.GracefulStop()
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("expected socket removed on stop, got %v", err)
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestHandler_GetLadderRejectsBadLevels(t *testing.T) {
	eng, err := engine.New(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h := query.NewHandler(fixedSource{snap: eng.Snapshot()})

	for _, v := range []*structpb.Value{
		structpb.NewNumberValue(-1),
		structpb.NewNumberValue(1.5),
		structpb.NewStringValue("3"),
	} {
		_, err := h.GetLadder(context.Background(), &structpb.Struct{Fields: map[string]*structpb.Value{"levels": v}})
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("levels=%v: expected InvalidArgument, got %v", v, err)
		}
	}

	out, err := h.GetLadder(context.Background(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("GetLadder: %v", err)
	}
	if rows := out.GetFields()["rows"].GetListValue().GetValues(); len(rows) != 0 {
		t.Errorf("expected no rows before the first trade, got %d", len(rows))
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
			if err == nil {
				conn.Close()
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("socket %s did not become available", path)
}
