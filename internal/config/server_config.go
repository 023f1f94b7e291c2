package config

import (
	"github.com/spf13/pflag"
)

// ServerConfig holds configuration for rpma-read-server.
type ServerConfig struct {
	InstanceID    string
	ListenAddr    string
	ListenService string
	BufferSize    int
	Pattern       uint8
	LogLevel      string
	OTelEnabled   bool
	OTelEndpoint  string
}

// SetupServerFlags registers the server's command-line flags.
func SetupServerFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to config file")
	flagSet.String("instance-id", "", "Instance identifier (defaults to hostname)")
	flagSet.String("listen-addr", "", "Local IP address to listen on")
	flagSet.String("listen-service", "7204", "Service (port) to listen on")
	flagSet.Int("buffer-size", 4096, "Size of the exposed buffer in bytes")
	flagSet.Uint8("pattern", 0xAB, "Byte pattern the exposed buffer is filled with")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Bool("otel-enabled", false, "Enable OpenTelemetry metrics export")
	flagSet.String("otel-endpoint", "localhost:4318", "OTLP/HTTP metrics endpoint")
	flagSet.Bool("version", false, "Print version and exit")
}

// LoadServerConfig loads the server configuration.
func LoadServerConfig(flagSet *pflag.FlagSet) (*ServerConfig, error) {
	v, err := newViper("rpma-read-server", flagSet)
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		InstanceID:    v.GetString("instance-id"),
		ListenAddr:    v.GetString("listen-addr"),
		ListenService: v.GetString("listen-service"),
		BufferSize:    v.GetInt("buffer-size"),
		Pattern:       uint8(v.GetUint("pattern")),
		LogLevel:      v.GetString("log-level"),
		OTelEnabled:   v.GetBool("otel-enabled"),
		OTelEndpoint:  v.GetString("otel-endpoint"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = getSystemHostname()
	}
	return cfg, nil
}

// WriteDefaultServerConfig creates a default configuration file.
func WriteDefaultServerConfig(path string) error {
	const content = `# rpma-read-server configuration
listen-addr: "" # Local IP address of the RDMA-capable interface
listen-service: "7204"
buffer-size: 4096
pattern: 171 # 0xAB
log-level: "info"
otel-enabled: false
otel-endpoint: "localhost:4318"
`
	return writeConfigFile(path, content)
}
