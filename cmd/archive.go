/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/medeval/apiserver/internal/audit"
	"github.com/medeval/apiserver/internal/logging"
	"github.com/medeval/apiserver/internal/mq"
	"github.com/medeval/apiserver/internal/storage"
	"github.com/spf13/cobra"
)

// archiveCmd consumes session events from the broker and writes them to
// object storage.
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive session events to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			logging.LogError(ctx, logger, "open message broker", err)
			return err
		}
		defer broker.Close()

		objects, err := storage.New(ctx, cfg.Storage)
		if err != nil {
			logging.LogError(ctx, logger, "open object storage", err)
			return err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logging.LogError(ctx, logger, "ensure bucket", err, "bucket", objects.Bucket())
			return err
		}

		logger.Info("archiving session events", "channel", broker.Channel(), "bucket", objects.Bucket())
		err = audit.NewArchiver(broker, objects, logger).Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
}
