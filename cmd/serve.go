package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vaphes/pocketbase/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local realtime server",

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app := api.New(appConfig, logrus.StandardLogger())

		go func() {
			<-ctx.Done()

			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := app.Close(shutdown); err != nil {
				logrus.WithError(err).Warn("shutdown")
			}
		}()

		return app.Listen()
	},
}
