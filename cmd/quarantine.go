package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/spf13/cobra"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine PARTITION",
	Short: "List rows excluded from matching, with their reasons",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		limit, _ := cmd.Flags().GetInt("limit")
		summaryOnly, _ := cmd.Flags().GetBool("summary")
		if _, err := storage.PartitionMonth(args[0]); err != nil {
			return err
		}

		db, _, err := openDB(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if summaryOnly {
			limit = 0
		}
		rows, err := db.ListQuarantine(cmd.Context(), args[0], reason, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No quarantined rows.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		if summaryOnly {
			counts := map[string]int{}
			for _, r := range rows {
				counts[r.Reason]++
			}
			reasons := make([]string, 0, len(counts))
			for r := range counts {
				reasons = append(reasons, r)
			}
			sort.Strings(reasons)
			fmt.Fprintln(w, "REASON\tROWS\t")
			for _, r := range reasons {
				fmt.Fprintf(w, "%s\t%d\t\n", r, counts[r])
			}
			return w.Flush()
		}

		fmt.Fprintln(w, "SEQ\tRECEIPT\tREASON\tPRODUCT\tDETAIL\t")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t\n", r.Seq, r.Raw.ReceiptID, r.Reason, r.Raw.ProductName, r.Detail)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.Flags().String("reason", "", "Only show one reason (e.g. price_inconsistent)")
	quarantineCmd.Flags().Int("limit", 100, "Number of rows to show (0 = all)")
	quarantineCmd.Flags().Bool("summary", false, "Print counts per reason instead of rows")
}
