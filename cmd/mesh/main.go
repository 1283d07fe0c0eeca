// Command mesh runs a server, a worker or a client of a distributed
// transformer inference mesh.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/monitoring"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(newCLI().ExecuteContext(ctx))
}

// nodeFlags are shared by every subcommand. Environment variables apply
// first, explicit flags win.
type nodeFlags struct {
	node config.NodeConfig
}

func newCLI() *cobra.Command {
	flags := &nodeFlags{node: config.DefaultNode()}
	flags.node.ApplyEnv()

	root := &cobra.Command{
		Use:          "mesh",
		Short:        "Distributed transformer inference across worker nodes",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(flags.node.LogLevel, flags.node.LogFormat)
			monitoring.Version = version
			gin.SetMode(gin.ReleaseMode)
			return flags.node.Validate()
		},
	}

	n := &flags.node
	pf := root.PersistentFlags()
	pf.StringVar(&n.ServerURL, "server", n.ServerURL, "server base URL")
	pf.StringVar(&n.ModelRoot, "models", n.ModelRoot, "directory with one subdirectory per model")
	pf.StringVar(&n.LogLevel, "log-level", n.LogLevel, "DEBUG, INFO, WARN or ERROR")
	pf.StringVar(&n.LogFormat, "log-format", n.LogFormat, "text or json")
	pf.DurationVar(&n.RequestTimeout, "request-timeout", n.RequestTimeout, "timeout for each request to a worker")

	root.AddCommand(
		newServerCmd(flags),
		newWorkerCmd(flags),
		newClientCmd(flags),
		newRunCmd(flags),
	)
	return root
}

// serve runs handler on lis until ctx is cancelled, then shuts down
// gracefully.
func serve(ctx context.Context, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// advertised returns the URL other nodes reach lis at. Wildcard listen
// addresses are advertised on loopback.
func advertised(explicit string, lis net.Listener) string {
	if explicit != "" {
		return explicit
	}
	addr := lis.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(addr.Port))
}
