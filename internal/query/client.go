package query

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls SnapshotService over a Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects lazily to the service at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) GetStats(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getStatsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLadder requests levels rows on each side; a negative levels asks for
// the configured depth.
func (c *Client) GetLadder(ctx context.Context, levels int) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if levels >= 0 {
		req.Fields["levels"] = structpb.NewNumberValue(float64(levels))
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getLadderMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
