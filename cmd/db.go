package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"

	"github.com/fcanalytics/menurecon/internal/utils"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/spf13/cobra"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the menurecon database",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dsn, err := resolveDSN(cmd, cfg)
		if err != nil {
			return err
		}

		var c *exec.Cmd
		if utils.IsPostgresDSN(dsn) {
			psqlPath, err := exec.LookPath("psql")
			if err != nil {
				return fmt.Errorf("psql command not found in your PATH. Please install it to use the db shell")
			}
			c = exec.Command(psqlPath, dsn)
		} else {
			if _, err := os.Stat(dsn); os.IsNotExist(err) {
				return fmt.Errorf("database file not found: %s", dsn)
			}

			// Check if sqlite3 is in PATH
			sqlitePath, err := exec.LookPath("sqlite3")
			if err != nil {
				return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the db shell")
			}

			// Print schema first
			fmt.Println("--> Database schema:")
			schemaCmd := exec.Command(sqlitePath, dsn, ".schema")
			schemaCmd.Stdout = os.Stdout
			schemaCmd.Stderr = os.Stderr
			if err := schemaCmd.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
			}
			c = exec.Command(sqlitePath, dsn)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints row, null and reconciliation counts for every raw partition.",
	Long: `Prints row, null and reconciliation counts for every raw partition.
Null columns are counted the way analysts check a partition before a run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, _, err := openDB(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		if len(stats) == 0 {
			fmt.Println("No raw_invoices_MM_YYYY partitions in the database.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "PARTITION\tROWS\tNO NAME\tNO PRICE\tNO DATE\tNO EAN\tMATCHED\tAMBIGUOUS\tUNMATCHED\tOVERRIDE\tQUARANTINED\t")

		var totalRows, totalQuarantined int
		totals := map[model.Status]int{}
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
				s.Partition, s.Rows,
				s.Nulls["nazwa_produktu"], s.Nulls["cena_jednostkowa_brutto"], s.Nulls["data_zakupu"], s.Nulls["ean"],
				s.Enriched[model.StatusMatched], s.Enriched[model.StatusAmbiguous], s.Enriched[model.StatusUnmatched],
				s.Enriched[model.StatusManualOverride], s.Quarantined)
			totalRows += s.Rows
			totalQuarantined += s.Quarantined
			for st, n := range s.Enriched {
				totals[st] += n
			}
		}

		fmt.Fprintln(w, " \t \t \t \t \t \t \t \t \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t \t \t \t \t%d\t%d\t%d\t%d\t%d\t\n", totalRows,
			totals[model.StatusMatched], totals[model.StatusAmbiguous], totals[model.StatusUnmatched],
			totals[model.StatusManualOverride], totalQuarantined)

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd)
	dbCmd.AddCommand(statsCmd)
}
