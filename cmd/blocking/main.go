// Command blocking drives a render bridge towards a reference image using a
// vision oracle.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "blocking",
		Short:        "Block a 3D scene against a reference frame with a vision oracle",
		SilenceUsage: true,
	}
	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		if err := loadEnv(opts.envFile); err != nil {
			return err
		}
		logger, err := newLogger(opts.logLevel, opts.logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML run configuration")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file with provider credentials; missing files are ignored")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newRunCommand(opts),
		newProvidersCommand(opts),
		newViewsCommand(),
		newRunsCommand(opts),
		newBridgeCommand(),
	)
	return root
}

// loadEnv loads a dotenv file without overriding variables already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
