package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/monitoring"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/sysmem"
	"github.com/23skdu/longbow-mesh/internal/transport"
	"github.com/23skdu/longbow-mesh/internal/worker"
)

func newWorkerCmd(flags *nodeFlags) *cobra.Command {
	n := &flags.node
	var freeMemory string
	listen := ":8081"
	if config.Var("MESH_LISTEN") != "" {
		listen = n.ListenAddr
	}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that joins the server and hosts model segments",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if freeMemory == "" {
				return nil
			}
			v, err := config.ParseBytes(freeMemory)
			if err != nil {
				return err
			}
			n.FreeMemory = v
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), n, lis)
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", listen, "HTTP listen address")
	f.StringVar(&n.AdvertiseURL, "advertise", n.AdvertiseURL, "URL the server reaches this worker at")
	f.StringVar(&n.HealthAddr, "health", n.HealthAddr, "gRPC health listen address (empty disables)")
	f.StringVar(&freeMemory, "free-memory", "", "memory to offer, e.g. 8GiB (default: detected)")
	f.Float64Var(&n.MemoryFraction, "memory-fraction", n.MemoryFraction, "share of detected free memory to offer")
	f.Int64Var(&n.MaxConcurrentLoads, "max-loads", n.MaxConcurrentLoads, "segments loaded in parallel")
	return cmd
}

// runWorker serves the worker API on lis, joins the server and blocks until
// ctx is cancelled.
func runWorker(ctx context.Context, n *config.NodeConfig, lis net.Listener) error {
	free, err := sysmem.Free(n.FreeMemory, n.MemoryFraction)
	if err != nil {
		return fmt.Errorf("free memory: %w (set --free-memory)", err)
	}

	server := transport.NewClient(n.ServerURL)
	state := worker.NewState(*n, server)
	defer state.Close()
	monitor := monitoring.NewHealthMonitor("worker")

	join := protocol.ClientJoined{Address: advertised(n.AdvertiseURL, lis), FreeMemory: free}
	var hs *monitoring.HealthServer
	if n.HealthAddr != "" {
		if hs, err = monitoring.StartHealthServer(n.HealthAddr); err != nil {
			return err
		}
		defer hs.Stop()
		join.HealthAddress = hs.Addr()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, lis, transport.NewWorker(state, monitor).Routes()) }()

	if err := joinServer(ctx, server, join); err != nil {
		return err
	}
	if hs != nil {
		hs.SetServing(true)
	}
	logger.Log.Info("Worker joined",
		"server", n.ServerURL,
		"address", join.Address,
		"free_memory", units.BytesSize(float64(free)))
	return <-errCh
}

// joinServer retries until the server accepts the worker.
func joinServer(ctx context.Context, server *transport.Client, msg protocol.ClientJoined) error {
	backoff := 250 * time.Millisecond
	for {
		err := server.Join(ctx, msg)
		if err == nil {
			return nil
		}
		logger.Log.Warn("Join failed, retrying", "server_error", err.Error(), "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}
