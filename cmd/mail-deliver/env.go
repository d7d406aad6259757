package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// applyFlagsFromEnvFile sets every flag not given on the command line from
// the env file named by --config. Flag names map to keys by replacing "-"
// with "_", so --lock-timeout reads lock_timeout.
func applyFlagsFromEnvFile(cmd *cobra.Command, envFile string) error {
	if envFile == "" {
		return nil
	}

	path, err := filepath.Abs(envFile)
	if err != nil {
		return fmt.Errorf("config flag value invalid: %w", err)
	}
	envConfig, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("config read error: %w", err)
	}

	var applyErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if applyErr != nil || flag.Changed || flag.Name == "help" || flag.Name == "config" {
			return
		}
		envName := strings.ReplaceAll(flag.Name, "-", "_")
		if value, ok := envConfig[envName]; ok {
			if err := cmd.Flags().Set(flag.Name, value); err != nil {
				applyErr = fmt.Errorf("failed to apply %v config: %w", envName, err)
			}
		}
	})
	return applyErr
}

// libraryOptions collects the flags that correspond to mda configuration
// keys and were set, either directly or from the env file.
func libraryOptions(flags *pflag.FlagSet, keys []string) map[string]string {
	options := make(map[string]string)
	for _, key := range keys {
		name := strings.ReplaceAll(key, "_", "-")
		if f := flags.Lookup(name); f != nil && f.Changed {
			options[key] = f.Value.String()
		}
	}
	return options
}
