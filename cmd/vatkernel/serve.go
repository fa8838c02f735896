package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/vatctl/internal/admin"
	"github.com/danmuck/vatctl/internal/kernel"
	"github.com/danmuck/vatctl/internal/logging"
	"github.com/danmuck/vatctl/internal/vat"
	"github.com/danmuck/vatctl/internal/vatadmin"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel and its admin HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadServiceConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	return cmd
}

// serve runs the kernel loop and the HTTP server until ctx ends or either
// fails.
func serve(ctx context.Context, cfg serviceConfig) error {
	loader, err := vat.NewLoader(cfg.Loader)
	if err != nil {
		return err
	}
	events := vatadmin.New()
	k, err := kernel.New(cfg.Kernel, loader, events.Build)
	if err != nil {
		return err
	}
	httpSrv := admin.New(cfg.Admin, k, events).HTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := k.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("vatkernel.serve listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	log.Info().Err(err).Msg("vatkernel.serve stopped")
	return err
}
