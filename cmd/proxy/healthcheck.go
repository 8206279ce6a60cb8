package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtreilly/ratelimitproxy/internal/config"
	"github.com/mtreilly/ratelimitproxy/internal/health"
	"github.com/mtreilly/ratelimitproxy/internal/ratelimitstore"
)

func healthcheckCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the ratelimit store and upstream API reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd, getConfig(cmd), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout for both checks")
	return cmd
}

func runHealthcheck(cmd *cobra.Command, cfg *config.Config, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store, err := ratelimitstore.New(ratelimitstore.Config{
		Addr:            cfg.Redis.RedisAddr(),
		Username:        cfg.Redis.User,
		Password:        cfg.Redis.Pass,
		PoolSize:        cfg.Redis.PoolSize,
		SentinelEnabled: cfg.Redis.SentinelEnabled,
		SentinelMaster:  cfg.Redis.SentinelMaster,
	})
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer store.Close()

	checker := health.NewChecker(store, health.WithStatusURL(cfg.Upstream.BaseURL+"/api/v10/gateway"))
	report := checker.Report(ctx)

	if err := printFormatted(cmd, report); err != nil {
		return err
	}
	if report.Status != "ok" {
		return fmt.Errorf("healthcheck reported status %q", report.Status)
	}
	return nil
}
