package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/adapter"
	"github.com/vaultfs/vaultfs/internal/config"
)

var mountCmd = &cobra.Command{
	Use:   "mount CONFIG_FILE STORAGE_URI MOUNT_POINT",
	Short: "Mount a VaultFS filesystem",
	Long: `mount loads CONFIG_FILE (written by "vaultfs init"), builds the
L0-L7 stack against STORAGE_URI (a local directory path or an s3://bucket
URI), and mounts it at MOUNT_POINT, blocking until interrupted.`,
	Args: cobra.ExactArgs(3),
	RunE: runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	configPath, storageURI, mountPoint := args[0], args[1], args[2]

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(configPath); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := adapter.New(ctx, storageURI, mountPoint, cfg)
	if err != nil {
		return fmt.Errorf("failed to prepare adapter: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh

	fmt.Fprintln(cmd.OutOrStdout(), "unmounting...")
	if err := a.Stop(ctx); err != nil {
		return fmt.Errorf("failed to unmount cleanly: %w", err)
	}

	return cfg.SaveToFile(configPath)
}
