// Package main implements kdeploy-sim, an executor that fakes cluster
// operations. It speaks the executor protocol on stdin/stdout and can be
// used as the executor binary in process or ssh mode for dry runs.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/kdeploy/pkg/dispatch/simulator"
)

var version = "dev"

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "kdeploy-sim",
		Short:         "Simulated kdeploy executor",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr.
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().Int("pods", cfg.Pods).Dur("delay", cfg.Delay).Msg("Simulator ready")
			return simulator.New(cfg, logger).Serve(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "simulator config file (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}

func loadConfig(path string) (simulator.Config, error) {
	var cfg simulator.Config
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
