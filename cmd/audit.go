package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit PARTITION",
	Short: "Show match decisions for a partition (default 50)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fingerprint, _ := cmd.Flags().GetString("fingerprint")
		status, _ := cmd.Flags().GetString("status")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		showCandidates, _ := cmd.Flags().GetBool("candidates")

		if status != "" && !validStatus(model.Status(status)) {
			return fmt.Errorf("unknown status %q", status)
		}
		if _, err := storage.PartitionMonth(args[0]); err != nil {
			return err
		}

		db, _, err := openDB(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.ListAudit(cmd.Context(), storage.AuditFilter{
			Partition:         args[0],
			Fingerprint:       fingerprint,
			Status:            model.Status(status),
			IncludeSuperseded: all,
			Limit:             limit,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries match.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tSTATUS\tCONFIDENCE\tITEM\tDECIDED\t")
		for _, e := range entries {
			status := string(e.Result.Status)
			if e.Superseded {
				status += " (superseded)"
			}
			fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\t%s\t\n", e.Result.Fingerprint, status, e.Result.Confidence, itemLabel(e.Result.Item), e.Result.DecidedAt.Format("2006-01-02 15:04:05"))
			if showCandidates {
				for i, c := range e.Result.Candidates {
					fmt.Fprintf(w, "  #%d\t%s\t%.4f\t%s\t\t\n", i+1, c.Method, c.Score, candidateLabel(c))
				}
			}
		}
		return w.Flush()
	},
}

func validStatus(s model.Status) bool {
	for _, st := range model.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

func itemLabel(it *model.Item) string {
	if it == nil {
		return "-"
	}
	return fmt.Sprintf("%s / %s [%s]", it.Category, it.Name, it.FCType)
}

func candidateLabel(c model.Candidate) string {
	if c.Method == model.MethodDenyRule {
		return "denied by " + c.Rule
	}
	return itemLabel(&c.Item)
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("fingerprint", "", "Only show this fingerprint")
	auditCmd.Flags().String("status", "", "Only show one status: matched, ambiguous, unmatched, manual-override")
	auditCmd.Flags().Bool("all", false, "Include superseded entries")
	auditCmd.Flags().Int("limit", 50, "Number of entries to show (0 = all)")
	auditCmd.Flags().Bool("candidates", false, "Print the ranked candidates under each entry")
}
