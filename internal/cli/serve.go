package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/httpapi"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	HTTPAddr string
	Remote   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local snapshot over HTTP and keep it in sync",
		Long: `Open the local snapshot, start the sync loop against the configured remote
and serve the JSON API until interrupted.

Routes:
  GET    /healthz
  GET    /schema
  GET    /api/:type                       ?filter=&sort=&limit=&cursor=
  POST   /api/:type
  DELETE /api/:type                       ?filter=
  GET    /api/:type/:id
  PATCH  /api/:type/:id
  DELETE /api/:type/:id
  GET    /api/:type/:id/:relationship
  GET    /related/:type/:id/:via
  GET    /events/:type                    server-sent notifications

Examples:
  replica serve --db ./replica.db --remote loopback
  REPLICA_REMOTE=redis REPLICA_REDIS_ADDR=localhost:6379 replica serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "http-addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Remote, "remote", "", "remote: none|loopback|redis (overrides config)")

	return cmd
}

func (o *ServeOptions) applyOverrides() error {
	cfg, err := o.Settings()
	if err != nil {
		return err
	}
	if o.HTTPAddr != "" {
		cfg.HTTPAddr = o.HTTPAddr
	}
	if o.Remote != "" {
		cfg.Remote = o.Remote
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.settings = &cfg
	return nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if err := opts.applyOverrides(); err != nil {
		return f.Fail("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := opts.openEnv(ctx, f, false)
	if err != nil {
		return err
	}
	defer e.Close()

	logger := NewLogger(e.cfg, f.GetErrWriter())
	api := httpapi.New(e.ds,
		httpapi.WithLogger(logger),
		httpapi.WithCORSOrigins(e.cfg.CORSOrigins...),
	)
	server := &http.Server{
		Addr:              e.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.ds.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr, "remote", e.cfg.Remote)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return f.Fail("server failed", err)
	}
	return nil
}
