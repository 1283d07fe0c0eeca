package main

import (
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-mesh/internal/cluster"
	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/monitoring"
	"github.com/23skdu/longbow-mesh/internal/transport"
)

func newServerCmd(flags *nodeFlags) *cobra.Command {
	n := &flags.node
	listen := n.ListenAddr
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server that plans models and drives queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			handler := newServer(flags)
			logger.Log.Info("Server listening",
				"addr", lis.Addr().String(),
				"models", n.ModelRoot,
				"probe_workers", n.ProbeWorkers)
			return serve(cmd.Context(), lis, handler)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", listen, "HTTP listen address")
	cmd.Flags().DurationVar(&n.LoadTimeout, "load-timeout", n.LoadTimeout, "how long a model may take to load")
	cmd.Flags().Float64Var(&n.SafetyMultiplier, "safety-multiplier", n.SafetyMultiplier, "factor applied to declared memory costs")
	cmd.Flags().BoolVar(&n.ProbeWorkers, "probe-workers", n.ProbeWorkers, "check worker gRPC health before sending instructions")
	return cmd
}

func newServer(flags *nodeFlags) http.Handler {
	n := flags.node
	monitor := monitoring.NewHealthMonitor("server")
	orch := cluster.NewOrchestrator(cluster.NewState(), transport.NewWorkers(), n)
	orch.SetObserver(monitor)
	if n.ProbeWorkers {
		orch.SetProber(monitoring.Prober{})
	}
	return transport.NewServer(orch, n.ModelRoot, monitor).Routes()
}
