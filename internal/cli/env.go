package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/datastore"
	"github.com/roach88/replica/internal/kv"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/schema"
)

// env is everything a command needs, opened from the settings.
type env struct {
	cfg     config.Config
	ds      *datastore.DataStore
	backend kv.Store
	remote  remote.RemoteSync
	closers []io.Closer
}

func (e *env) Close() error {
	var first error
	if e.ds != nil {
		_ = e.ds.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func loadCatalog(cfg config.Config) (schema.Catalog, error) {
	if cfg.SchemaDir == "" {
		return schema.Blog(), nil
	}
	return schema.LoadDir(cfg.SchemaDir)
}

func openBackend(cfg config.Config) (kv.Store, error) {
	if cfg.Database == "" {
		return kv.NewMemory(), nil
	}
	return kv.OpenSQLite(cfg.Database)
}

func openRemote(ctx context.Context, cfg config.Config, opts datastoreOpts) (remote.RemoteSync, io.Closer, error) {
	switch cfg.Remote {
	case config.RemoteNone:
		return nil, nil, nil
	case config.RemoteLoopback:
		return remote.NewLoopback(remote.WithLoopbackLogger(opts.logger)), nil, nil
	case config.RemoteRedis:
		r := remote.NewRedis(remote.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Logger:   opts.logger,
		})
		if err := r.Ping(ctx); err != nil {
			// The outbox retries until the server is reachable.
			opts.logger.Warn("redis not reachable; mutations will queue", "addr", cfg.RedisAddr, "error", err)
		}
		return r, r, nil
	}
	return nil, nil, fmt.Errorf("unknown remote %q", cfg.Remote)
}

type datastoreOpts struct {
	logger   *slog.Logger
	noRemote bool
}

// open builds the datastore described by the settings.
func open(ctx context.Context, cfg config.Config, opts datastoreOpts) (*env, error) {
	e := &env{cfg: cfg}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e.backend = backend
	e.closers = append(e.closers, backend)

	dsOpts := []datastore.Option{
		datastore.WithBackend(backend),
		datastore.WithLogger(opts.logger),
		datastore.WithWindow(cfg.ReorderWindow, cfg.ReorderDelay),
		datastore.WithBackoff(remote.Backoff{Base: cfg.RetryBase, Max: cfg.RetryMax}),
		datastore.WithRate(cfg.SubmitRate, cfg.SubmitBurst),
	}
	if !opts.noRemote {
		r, closer, err := openRemote(ctx, cfg, opts)
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		if closer != nil {
			e.closers = append(e.closers, closer)
		}
		if r != nil {
			e.remote = r
			dsOpts = append(dsOpts, datastore.WithRemote(r))
		}
	}

	ds, err := datastore.Open(ctx, catalog, dsOpts...)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	e.ds = ds
	return e, nil
}

// openEnv loads settings and opens the datastore for a command. Settings
// errors are command errors.
func (o *RootOptions) openEnv(ctx context.Context, f *OutputFormatter, noRemote bool) (*env, error) {
	cfg, err := o.Settings()
	if err != nil {
		return nil, f.Fail("invalid configuration", err)
	}
	logger := NewLogger(cfg, f.GetErrWriter())
	e, err := open(ctx, cfg, datastoreOpts{logger: logger, noRemote: noRemote})
	if err != nil {
		return nil, f.Fail("startup failed", err)
	}
	return e, nil
}
