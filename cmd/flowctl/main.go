// Command flowctl reads the running engine's stats or ladder over the query
// socket and prints them as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caesar-terminal/orderflow/internal/config"
	"github.com/caesar-terminal/orderflow/internal/query"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	socket := flag.String("socket", "", "query socket path (default from ORDERFLOW_QUERY_SOCKET_PATH)")
	levels := flag.Int("levels", -1, "ladder levels on each side; negative uses the configured depth")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: flowctl [flags] stats|ladder\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := *socket
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.Query.SocketPath
	}

	client, err := query.Dial(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var out *structpb.Struct
	switch flag.Arg(0) {
	case "stats":
		out, err = client.GetStats(ctx)
	case "ladder":
		out, err = client.GetLadder(ctx, *levels)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}

	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
