// Package config holds the configuration of an MLS client node and the
// wiring of its logger.
package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/HiveNetCode/distributed-mls/src/common"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "0.0.0.0:0"
	DefaultServiceAddr = "127.0.0.1:8000"
	DefaultPKIAddr     = "127.0.0.1"
	DefaultNetworkRTT  = 200 * time.Millisecond
)

// Config contains all the configuration properties of a client node.
type Config struct {
	// Identity is the unique identifier of this member, as published to
	// the PKI and carried in its MLS credential.
	Identity string `mapstructure:"identity"`

	// PKIAddr is the host (or host:port) of the PKI directory.
	PKIAddr string `mapstructure:"pki"`

	// BindAddr is the local address:port where this node listens for
	// peers. The port defaults to 0 so the kernel picks one; the effective
	// port is published to the PKI.
	BindAddr string `mapstructure:"listen"`

	// NetworkRTT is the round trip time with the farthest client in the
	// network. It scales every protocol timeout, including the automatic
	// commit delay.
	NetworkRTT time.Duration `mapstructure:"rtt"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:    DefaultLogLevel,
		BindAddr:    DefaultBindAddr,
		ServiceAddr: DefaultServiceAddr,
		PKIAddr:     DefaultPKIAddr,
		NetworkRTT:  DefaultNetworkRTT,
	}
}

// NewTestConfig returns a config object with default values and a logger
// routed to the test output.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Logger returns a formatted logrus Entry tagged with the "mls" prefix.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "mls")
}

// SetLogger overrides the logger, e.g. with one carrying file hooks.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// LogLevel parses a level name, defaulting to debug.
func LogLevel(l string) logrus.Level {
	switch l {
	case "panic":
		return logrus.PanicLevel
	case "fatal":
		return logrus.FatalLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.DebugLevel
	}
}
