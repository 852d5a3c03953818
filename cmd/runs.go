package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var runsCmd = &cobra.Command{
	Use:   "runs [PARTITION]",
	Short: "Show recent reconciliation runs (default 20)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		verbose, _ := cmd.Flags().GetBool("verbose")
		partition := ""
		if len(args) == 1 {
			partition = args[0]
		}

		db, _, err := openDB(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRunSummaries(cmd.Context(), partition, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tPARTITION\tOUTCOME\tROWS\tMATCHED\tAMBIGUOUS\tUNMATCHED\tOVERRIDE\tQUARANTINED\tCANONICAL\t")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.Partition, r.Outcome, r.RowsRead,
				r.Matched, r.Ambiguous, r.Unmatched, r.ManualOverride, r.Quarantined,
				gjson.Get(r.Summary, "canonical_version").String())
			if verbose {
				fmt.Fprintf(w, "  run %s\tfingerprints=%d\tinvalid_ean=%d\t%s\t\t\t\t\t\t\t\n",
					r.RunID,
					gjson.Get(r.Summary, "distinct_fingerprints").Int(),
					gjson.Get(r.Summary, "invalid_ean").Int(),
					quarantineReasons(r.Summary))
			}
		}
		return w.Flush()
	},
}

// quarantineReasons renders quarantine_by_reason as "reason=n ...".
func quarantineReasons(summary string) string {
	var parts []string
	gjson.Get(summary, "quarantine_by_reason").ForEach(func(key, value gjson.Result) bool {
		parts = append(parts, fmt.Sprintf("%s=%d", key.String(), value.Int()))
		return true
	})
	if len(parts) == 0 {
		return "no quarantine"
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().Int("limit", 20, "Number of runs to show")
	runsCmd.Flags().BoolP("verbose", "v", false, "Print run ids and summary details")
}
