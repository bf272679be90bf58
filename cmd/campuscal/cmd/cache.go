package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mfenderov/campuscal/internal/cache"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the Redis tag cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every cached tag",
	Long: `Delete all tags cached in Redis so the next run asks the LLM again.

Use this after changing the tag vocabulary or the model.`,
	RunE: runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := GetConfig()
	if !cfg.Cache.Enabled {
		return fmt.Errorf("tag cache is not enabled - set cache.enabled")
	}

	r, err := cache.NewRedis(ctx, cache.Config{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Prefix:   cfg.Cache.Prefix,
		TTL:      cfg.Cache.TTL,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear tag cache: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared tag cache %s*\n", cfg.Cache.Prefix)
	return nil
}
