package commands

import (
	"github.com/spf13/cobra"

	"github.com/HiveNetCode/distributed-mls/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for the MLS client. For compatibility with
// the historical invocation, three positional arguments are accepted as
// identity, PKI host and network RTT in milliseconds.
var RootCmd = &cobra.Command{
	Use:   "mls-client [identity] [pki-host] [network-rtt-ms]",
	Short: "MLS client on the distributed delivery service",
	Args:  cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		if err := applyPositionalArgs(args); err != nil {
			return err
		}
		return runClient(cmd, nil)
	},
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewVersionCmd(),
	)
	RootCmd.SilenceUsage = true
}
