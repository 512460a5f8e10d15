package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/playbooks/internal/api"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the persistence contract, catalog and engine over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			if !cfg.ServerEnabled() {
				return fmt.Errorf("server is disabled in %s", cfg.Path)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg, runtimeOptions{withAPI: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := []api.Option{
				api.WithLogger(rt.logger),
				api.WithStore(rt.store),
				api.WithCatalog(rt.catalog),
				api.WithManager(rt.manager),
				api.WithFeed(rt.feed),
			}
			if rt.metrics != nil {
				opts = append(opts, api.WithMetrics(rt.metrics))
			}
			if rt.recommender != nil {
				opts = append(opts, api.WithRecommender(rt.recommender))
			}
			server := api.NewServer(api.SettingsFromConfig(cfg), opts...)
			if err := server.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "playbookd %s listening on %s (store: %s)\n", Version, server.BaseURL(), cfg.Store.Driver)

			<-ctx.Done()
			rt.logger.Info("shutting down", "reason", context.Cause(ctx))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("host", "", "Override server.host")
	cmd.Flags().Int("port", 0, "Override server.port")
	return cmd
}
