package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/transport"
)

// newRunCmd starts a server and one worker in this process on loopback and
// runs a single query through them.
func newRunCmd(flags *nodeFlags) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "run MODEL TEXT...",
		Short: "Load a model on a local single-worker mesh and generate once",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			serverLis, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			workerLis, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				serverLis.Close()
				return err
			}

			n := flags.node
			n.ServerURL = advertised("", serverLis)
			n.AdvertiseURL = ""
			local := &nodeFlags{node: n}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serve(gctx, serverLis, newServer(local)) })
			g.Go(func() error { return runWorker(gctx, &local.node, workerLis) })
			g.Go(func() error {
				defer cancel()
				c := transport.NewClient(n.ServerURL)
				logger.Log.Info("Opening model", "model", args[0])
				if err := c.WaitModel(gctx, args[0]); err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				return printQuery(gctx, c, cmd.OutOrStdout(), qf.request(args[0], strings.Join(args[1:], " ")))
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) && cmd.Context().Err() == nil {
				return nil
			}
			return err
		},
	}
	qf.register(cmd)
	return cmd
}
