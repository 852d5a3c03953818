package cmd

import (
	"github.com/fcanalytics/menurecon/internal/utils"
	"github.com/fcanalytics/menurecon/pkg/export"
	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export PARTITION",
	Short: "Write a partition's enriched rows and run history to an XLSX file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = args[0] + ".xlsx"
		}
		if _, err := storage.PartitionMonth(args[0]); err != nil {
			return err
		}

		db, _, err := openDB(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		rows, err := db.ListEnriched(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		runs, err := db.ListRunSummaries(cmd.Context(), args[0], 100)
		if err != nil {
			return err
		}
		if err := export.SaveAs(out, rows, runs); err != nil {
			return err
		}
		utils.Log.Infof("Wrote %d rows and %d runs to %s", len(rows), len(runs), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: PARTITION.xlsx)")
}
