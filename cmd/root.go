package cmd

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vaphes/pocketbase/internal/core"
)

var (
	cfgFile   string
	appConfig *core.Config

	rootCmd = &cobra.Command{
		Use:   "pbrealtime",
		Short: "PocketBase realtime tools",
		Long:  `pbrealtime listens to the realtime record changes of a PocketBase server and runs a local realtime server for development`,

		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.NewConfig(cfgFile)
			if err != nil {
				return errors.Wrapf(err, "load config %s", cfgFile)
			}

			level, err := logrus.ParseLevel(config.LogLevel)
			if err != nil {
				return err
			}

			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			logrus.SetOutput(cmd.ErrOrStderr())

			appConfig = config

			return nil
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "pbrealtime.yml", "config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listenCmd)
}
