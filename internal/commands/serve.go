package commands

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/internal/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			app, err := buildApp(logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go app.poller.Run(ctx)

			handler := server.New(app.agg, app.banks, app.store, app.poller,
				app.registry, app.cfg.TransactionWindow, logger)

			logger.Info("server starting",
				zap.String("port", app.cfg.ServerPort),
				zap.Strings("banks", app.registry.Codes()))
			return http.ListenAndServe(":"+app.cfg.ServerPort, handler.Router())
		},
	}
}
