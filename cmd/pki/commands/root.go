package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/HiveNetCode/distributed-mls/src/config"
	"github.com/HiveNetCode/distributed-mls/src/pki"
)

var (
	listenAddr string
	logLevel   string
)

// RootCmd runs the PKI directory server.
var RootCmd = &cobra.Command{
	Use:   "pki",
	Short: "Identity directory for the distributed delivery service",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		listenAddr = viper.GetString("listen")
		logLevel = viper.GetString("log")
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.Level = config.LogLevel(logLevel)
		logger.Formatter = new(prefixed.TextFormatter)

		server := pki.NewServer(logger.WithField("prefix", "pki"))
		return server.Serve(listenAddr)
	},
}

func init() {
	RootCmd.Flags().StringP("listen", "l", fmt.Sprintf("0.0.0.0:%d", pki.DefaultPort),
		"Listen IP:Port for the directory")
	RootCmd.Flags().String("log", "info", "debug, info, warn, error, fatal, panic")
}
