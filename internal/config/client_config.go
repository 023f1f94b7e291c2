package config

import (
	"github.com/spf13/pflag"
)

// ClientConfig holds configuration for rpma-read-client.
type ClientConfig struct {
	InstanceID string
	LocalAddr  string
	RemoteAddr string
	Service    string
	ReadLength int
	ReadOffset int
	Repeat     int
	RatePerSec int
	LogLevel   string
}

// SetupClientFlags registers the client's command-line flags.
func SetupClientFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to config file")
	flagSet.String("instance-id", "", "Instance identifier (defaults to hostname)")
	flagSet.String("local-addr", "", "Local IP address of the RDMA-capable interface")
	flagSet.String("remote-addr", "", "Server IP address to connect to")
	flagSet.String("service", "7204", "Server service (port)")
	flagSet.Int("read-length", 4096, "Bytes to read per operation")
	flagSet.Int("read-offset", 0, "Offset into the remote region")
	flagSet.Int("repeat", 1, "Number of reads to perform")
	flagSet.Int("rate", 100, "Maximum reads per second in repeat mode")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Bool("version", false, "Print version and exit")
}

// LoadClientConfig loads the client configuration.
func LoadClientConfig(flagSet *pflag.FlagSet) (*ClientConfig, error) {
	v, err := newViper("rpma-read-client", flagSet)
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		InstanceID: v.GetString("instance-id"),
		LocalAddr:  v.GetString("local-addr"),
		RemoteAddr: v.GetString("remote-addr"),
		Service:    v.GetString("service"),
		ReadLength: v.GetInt("read-length"),
		ReadOffset: v.GetInt("read-offset"),
		Repeat:     v.GetInt("repeat"),
		RatePerSec: v.GetInt("rate"),
		LogLevel:   v.GetString("log-level"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = getSystemHostname()
	}
	return cfg, nil
}
