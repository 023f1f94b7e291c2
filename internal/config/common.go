// Package config loads configuration for the rpma example binaries from
// defaults, an optional YAML file, environment variables and command-line
// flags, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// getSystemHostname returns the system hostname or a fallback string.
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("rpma-%d", os.Getpid())
	}
	return hostname
}

// newViper builds a viper instance wired to the given flag set, the RPMA
// environment prefix and the optional config file named by --config.
func newViper(name string, flagSet *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("RPMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	configPath, _ := flagSet.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rpma")
		v.AddConfigPath("/etc/rpma")
	}

	if err := v.ReadInConfig(); err != nil {
		// A config file missing from the search path is fine; anything
		// else, including a missing file named by --config, is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return v, nil
}

// SetupLogging applies the configured log level to the global zerolog
// logger.
func SetupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// createConfigDirectory ensures the directory for a config file exists.
func createConfigDirectory(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	return nil
}

// writeConfigFile writes content to a config file.
func writeConfigFile(path, content string) error {
	if err := createConfigDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
