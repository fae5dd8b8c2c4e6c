package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remimikalsen/local-image-description-ha/internal/web"
)

// ServeCmd runs the HTTP service and the status refresher.
type ServeCmd struct {
	Addr      string        `help:"Address to listen on; overrides LISTEN_ADDR"`
	NoPersist bool          `help:"Keep results in memory only"`
	Interval  time.Duration `help:"Status refresh interval; overrides STATUS_INTERVAL"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	cfg := cli.loadConfig()
	if c.Addr != "" {
		cfg.ListenAddr = c.Addr
	}
	if c.Interval > 0 {
		cfg.StatusInterval = c.Interval
	}

	a, err := newApp(cfg, !c.NoPersist)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.restore(ctx)
	server := web.NewServer(a.service, a.registry, a.sensors, a.bus, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.ListenAddr)
	})
	g.Go(func() error {
		refreshStatus(gctx, a, cfg.StatusInterval)
		return nil
	})

	err = g.Wait()
	a.logger.Info("stopped")
	return err
}

// refreshStatus updates the status sensors now and then every interval
// until ctx is done.
func refreshStatus(ctx context.Context, a *app, interval time.Duration) {
	a.service.RefreshStatus(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.service.RefreshStatus(ctx)
		}
	}
}
