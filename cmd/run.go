package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fcanalytics/menurecon/internal/utils"
	"github.com/fcanalytics/menurecon/pkg/menusource"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/reconcile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run PARTITION",
	Short: "Reconcile one raw partition (e.g. raw_invoices_09_2025)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			cfg.Workers = n
		}
		if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
			cfg.BatchSize = n
		}
		var asOf time.Time
		if s, _ := cmd.Flags().GetString("as-of"); s != "" {
			if asOf, err = time.Parse(time.RFC3339, s); err != nil {
				return fmt.Errorf("--as-of: %w", err)
			}
		}
		normOpts, err := cfg.NormalizeOptions()
		if err != nil {
			return err
		}

		db, dsn, err := openDB(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store, closeOverrides, err := openOverrides(cfg, db, dsn)
		if err != nil {
			return err
		}
		defer closeOverrides()

		source, err := menusource.New(cfg.MenuSource(), db)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		partition := args[0]
		total, err := db.CountPartition(ctx, partition)
		if err != nil {
			return err
		}
		utils.Log.Infof("Reconciling %s (%d rows, %d workers, batches of %d)", partition, total, cfg.Workers, cfg.BatchSize)

		sum, err := reconcile.Run(ctx, reconcile.Options{
			Partition: partition,
			Store:     db,
			Canonical: source,
			Overrides: store,
			Normalize: normOpts,
			Matcher:   cfg.MatcherOptions(),
			Policy:    cfg.PolicyConfig(),
			Index:     cfg.IndexOptions(),
			BatchSize: cfg.BatchSize,
			Workers:   cfg.Workers,
			AsOf:      asOf,
			Log:       utils.Log,
			OnBatch: func(done int) {
				utils.Log.Debugf("%d/%d rows committed", done, total)
			},
		})
		if sum != nil {
			printSummary(sum)
		}
		if errors.Is(err, context.Canceled) && sum != nil {
			return fmt.Errorf("run interrupted; %d committed rows are kept, rerun to finish", sum.RowsRead)
		}
		return err
	},
}

func printSummary(s *reconcile.Summary) {
	fields := logrus.Fields{
		"run_id":      s.RunID,
		"partition":   s.Partition,
		"outcome":     s.Outcome,
		"rows":        s.RowsRead,
		"quarantined": s.Quarantined,
		"invalid_ean": s.InvalidEAN,
		"canonical":   s.CanonicalVersion,
		"duration":    s.Duration().Round(time.Millisecond).String(),
	}
	for _, st := range model.Statuses {
		fields[string(st)] = s.Statuses[st]
	}
	utils.Log.WithFields(fields).Info("Run finished")

	for reason, n := range s.QuarantineByReason {
		utils.Log.WithFields(logrus.Fields{"reason": reason, "rows": n}).Warn("Quarantined rows")
	}
	if n := s.Statuses[model.StatusAmbiguous] + s.Statuses[model.StatusUnmatched]; n > 0 {
		utils.Log.Infof("%d rows need review: menurecon audit %s --status ambiguous", n, s.Partition)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int("workers", 0, "Matching goroutines (default: workers from config)")
	runCmd.Flags().Int("batch-size", 0, "Rows per committed batch (default: batch_size from config)")
	runCmd.Flags().String("as-of", "", "RFC3339 decision timestamp (default: first instant after the partition's month)")
}
