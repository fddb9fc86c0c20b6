package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/config"
)

func newCheckCommand(log *logrus.Logger) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Scan stored channels for schema anomalies",
		Long: `check scans the store for channels without field lists and for
documents still written under the legacy "name" key. With --fix the
legacy keys are renamed in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log.SetLevel(cfg.ParseLogLevel())
			return runCheck(cmd.Context(), log, cfg, fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Rename legacy channel documents in place")

	return cmd
}

func runCheck(ctx context.Context, log *logrus.Logger, cfg *config.Config, fix bool) error {
	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create resilience logger: %w", err)
	}

	store, err := connectStore(ctx, cfg, log, zapLog)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	manager, err := channel.NewManager(store, log)
	if err != nil {
		return err
	}

	report, err := manager.CheckIntegrity(ctx)
	if err != nil {
		return err
	}

	if report.Clean() {
		fmt.Println("No anomalies found.")
		return nil
	}

	if len(report.ChannelsMissingFields) > 0 {
		fmt.Printf("Channels without field lists: %v\n", report.ChannelsMissingFields)
	}
	if report.LegacyNameChannels > 0 {
		fmt.Printf("Channel documents under the legacy name key: %d\n", report.LegacyNameChannels)
	}

	if !fix {
		return nil
	}

	renamed, err := manager.RepairLegacyChannels(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Renamed %d legacy channel documents.\n", renamed)
	return nil
}
