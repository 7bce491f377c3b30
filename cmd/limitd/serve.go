package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/limitd/limitd/internal/ratelimit/app"
	"github.com/limitd/limitd/internal/ratelimit/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the limiter service",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(cfgFile)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.NewApplication(ctx, cfg, app.Options{})
		if err != nil {
			return err
		}
		if err := application.Start(ctx); err != nil {
			return err
		}
		application.WatchConfig(loader)

		<-ctx.Done()
		stop()
		return application.Shutdown(context.Background())
	},
}
