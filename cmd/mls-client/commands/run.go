package commands

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/HiveNetCode/distributed-mls/src/client"
	"github.com/HiveNetCode/distributed-mls/src/config"
	"github.com/HiveNetCode/distributed-mls/src/net"
	"github.com/HiveNetCode/distributed-mls/src/pki"
	"github.com/HiveNetCode/distributed-mls/src/service"
)

// NewRunCmd returns the command that starts a client node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a client node",
		PreRunE: loadConfig,
		RunE:    runClient,
	}
	AddRunFlags(cmd)
	return cmd
}

// AddRunFlags adds flags to the Run command.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("identity", _config.Identity, "Unique identity of this member")
	cmd.Flags().String("pki", _config.PKIAddr, "PKI host or host:port")
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for peer connections")
	cmd.Flags().Duration("rtt", _config.NetworkRTT, "Network round trip time")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP service")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.Unmarshal(_config)
}

// applyPositionalArgs maps the historical positional invocation onto the
// config: identity, PKI host, RTT in milliseconds.
func applyPositionalArgs(args []string) error {
	_config.Identity = args[0]
	if len(args) > 1 {
		_config.PKIAddr = args[1]
	}
	if len(args) > 2 {
		rttMs, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid network-rtt-ms %q: %w", args[2], err)
		}
		_config.NetworkRTT = time.Duration(rttMs) * time.Millisecond
	}
	return nil
}

func runClient(cmd *cobra.Command, args []string) error {
	if _config.Identity == "" {
		return fmt.Errorf("an identity is required")
	}

	_config.SetLogger(newLogger(_config.Identity, _config.LogLevel))
	logger := _config.Logger()

	pkiClient := pki.NewClient(_config.PKIAddr)

	network, err := net.NewNetwork(_config.BindAddr, pkiClient, logger)
	if err != nil {
		return err
	}

	metrics := service.NewMetrics()
	trans := service.NewCountingTransport(network, metrics)

	mlsClient, err := client.NewClient(_config.Identity, trans, pkiClient, _config.NetworkRTT, logger)
	if err != nil {
		return err
	}

	if !_config.NoService {
		stats := service.NewService(_config.ServiceAddr, metrics, logger)
		mlsClient.SetStatsService(stats)
		go stats.Serve()
	}

	if err := mlsClient.PublishKeyPackage(network.Port()); err != nil {
		return fmt.Errorf("publishing key package: %w", err)
	}

	fmt.Println("Client is running, you can now use the commands: create, add, remove, update, message and stop")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	network.Run(func(frame []byte) {
		metrics.RecordIn(len(frame))
		mlsClient.HandleFrame(frame)
	}, lines, mlsClient.HandleCommand)

	return nil
}

func newLogger(identity, level string) *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(level)

	pathMap := lfshook.PathMap{}

	infoPath := fmt.Sprintf("%s_info.log", identity)
	if _, err := os.OpenFile(infoPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open info log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoPath
	}

	debugPath := fmt.Sprintf("%s_debug.log", identity)
	if _, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open debug log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugPath
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
