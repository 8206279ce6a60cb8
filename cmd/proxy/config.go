package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtreilly/ratelimitproxy/cmd/proxy/output"
	"github.com/mtreilly/ratelimitproxy/internal/config"
)

type cliContextKey string

const (
	configContextKey cliContextKey = "ratelimitproxy-config"
	outputContextKey cliContextKey = "ratelimitproxy-output"
)

var (
	configFile   string
	outputFormat string
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimitproxy",
		Short: "Reverse proxy that enforces per-token chat API ratelimit quotas",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			formatter := output.NewFormatter(outputFormat)
			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			ctx = context.WithValue(ctx, outputContextKey, formatter)
			cmd.SetContext(ctx)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to proxy config (YAML, overlaying env defaults)")
	cmd.PersistentFlags().StringVar(&outputFormat, "output", "json", "output format for CLI subcommands (json/table/yaml)")
	return cmd
}

func getConfig(cmd *cobra.Command) *config.Config {
	if cmd == nil {
		return config.Default()
	}
	if value, ok := cmd.Context().Value(configContextKey).(*config.Config); ok && value != nil {
		return value
	}
	return config.Default()
}

func getFormatter(cmd *cobra.Command) output.Formatter {
	if cmd == nil {
		return output.NewFormatter(outputFormat)
	}
	if formatter, ok := cmd.Context().Value(outputContextKey).(output.Formatter); ok && formatter != nil {
		return formatter
	}
	return output.NewFormatter(outputFormat)
}

func printFormatted(cmd *cobra.Command, value interface{}) error {
	formatter := getFormatter(cmd)
	out, err := formatter.Format(value)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(out); err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write([]byte("\n"))
	return err
}
