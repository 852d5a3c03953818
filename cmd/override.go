package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fcanalytics/menurecon/internal/utils"
	"github.com/fcanalytics/menurecon/pkg/config"
	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/menusource"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
	"github.com/fcanalytics/menurecon/pkg/overrides"
	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/spf13/cobra"
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Pin, revoke and inspect manual corrections",
}

var overrideSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Pin a fingerprint to a canonical menu item",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		item, _ := cmd.Flags().GetString("item")
		typ, _ := cmd.Flags().GetString("type")
		author, _ := cmd.Flags().GetString("author")
		note, _ := cmd.Flags().GetString("note")
		expect, _ := cmd.Flags().GetInt("expect-version")

		fp, err := fingerprintFromFlags(cmd)
		if err != nil {
			return err
		}
		target := model.Item{Category: strings.TrimSpace(category), Name: strings.TrimSpace(item), FCType: strings.TrimSpace(typ)}

		return withOverrides(cmd, func(ctx context.Context, cfg *config.Config, db *storage.DB, store *overrides.Store) error {
			if err := checkCanonical(ctx, cfg, db, target); err != nil {
				return err
			}
			e, err := store.RecordCorrection(ctx, overrides.Correction{
				Fingerprint:     fp,
				Item:            target,
				Author:          author,
				Note:            note,
				ExpectedVersion: expect,
			})
			if err != nil {
				return conflictHint(err, fp)
			}
			utils.Log.Infof("Pinned %s to %s (version %d). Rerun the partition to apply it.", fp, itemLabel(&e.Item), e.Version)
			return nil
		})
	},
}

var overrideRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke the active pin of a fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")
		note, _ := cmd.Flags().GetString("note")
		expect, _ := cmd.Flags().GetInt("expect-version")
		fp, err := fingerprintFromFlags(cmd)
		if err != nil {
			return err
		}

		return withOverrides(cmd, func(ctx context.Context, _ *config.Config, _ *storage.DB, store *overrides.Store) error {
			e, err := store.Revoke(ctx, fp, author, note, expect)
			if err != nil {
				return conflictHint(err, fp)
			}
			utils.Log.Infof("Revoked pin on %s (version %d)", fp, e.Version)
			return nil
		})
	},
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active pins",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOverrides(cmd, func(ctx context.Context, _ *config.Config, _ *storage.DB, store *overrides.Store) error {
			active, err := store.ListActive(ctx)
			if err != nil {
				return err
			}
			if len(active) == 0 {
				fmt.Println("No active overrides.")
				return nil
			}
			return printEntries(active)
		})
	},
}

var overrideShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the full history of a fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, err := fingerprintFromFlags(cmd)
		if err != nil {
			return err
		}
		return withOverrides(cmd, func(ctx context.Context, _ *config.Config, _ *storage.DB, store *overrides.Store) error {
			hist, err := store.History(ctx, fp)
			if err != nil {
				return err
			}
			if len(hist) == 0 {
				fmt.Printf("No overrides recorded for %s.\n", fp)
				return nil
			}
			return printEntries(hist)
		})
	},
}

func withOverrides(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, db *storage.DB, store *overrides.Store) error) error {
	cfg, err := loadConfig()
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
	return fn(cmd.Context(), cfg, db, store)
}

// fingerprintFromFlags takes --fingerprint, or derives it from --chain,
// --product and --ean the same way a run does.
func fingerprintFromFlags(cmd *cobra.Command) (string, error) {
	fp, _ := cmd.Flags().GetString("fingerprint")
	product, _ := cmd.Flags().GetString("product")
	if fp != "" {
		return fp, nil
	}
	if product == "" {
		return "", errors.New("either --fingerprint or --product (with --chain and optional --ean) is required")
	}
	chain, _ := cmd.Flags().GetString("chain")
	ean, _ := cmd.Flags().GetString("ean")
	ean = normalize.CleanEAN(ean)
	if !normalize.ValidEAN(ean) {
		ean = ""
	}
	fp = normalize.Fingerprint(chain, ean, normalize.Text(product))
	utils.Log.Debugf("Fingerprint of %q at %q: %s", product, chain, fp)
	return fp, nil
}

// checkCanonical rejects pins to items missing from the canonical menu.
func checkCanonical(ctx context.Context, cfg *config.Config, db *storage.DB, target model.Item) error {
	source, err := menusource.New(cfg.MenuSource(), db)
	if err != nil {
		return err
	}
	snap, err := source.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	idx, err := index.Build(snap, index.Options{})
	if err != nil {
		return err
	}
	for _, e := range idx.Entries() {
		if e.Item == target {
			return nil
		}
	}
	return fmt.Errorf("%s is not in the canonical menu (%s)", itemLabel(&target), idx.Version())
}

func conflictHint(err error, fp string) error {
	switch {
	case errors.Is(err, overrides.ErrWriteConflict):
		return fmt.Errorf("%w: run 'menurecon override show --fingerprint %s' and retry with the current --expect-version", err, fp)
	case errors.Is(err, overrides.ErrNotActive):
		return fmt.Errorf("%w: %s has no active pin", err, fp)
	}
	return err
}

func printEntries(entries []model.OverrideEntry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tVERSION\tACTION\tITEM\tAUTHOR\tCREATED\tNOTE\t")
	for _, e := range entries {
		label := "-"
		if e.Action == model.ActionPin {
			label = itemLabel(&e.Item)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t\n", e.Fingerprint, e.Version, e.Action, label, e.Author, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Note)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideSetCmd, overrideRevokeCmd, overrideListCmd, overrideShowCmd)

	for _, c := range []*cobra.Command{overrideSetCmd, overrideRevokeCmd, overrideShowCmd} {
		c.Flags().String("fingerprint", "", "Fingerprint to act on")
		c.Flags().String("product", "", "Raw product name to derive the fingerprint from")
		c.Flags().String("chain", "", "Store chain id (id_sieci) used with --product")
		c.Flags().String("ean", "", "EAN used with --product")
	}
	for _, c := range []*cobra.Command{overrideSetCmd, overrideRevokeCmd} {
		c.Flags().String("author", "", "Who made the correction")
		c.Flags().String("note", "", "Free-text justification")
		c.Flags().Int("expect-version", overrides.AnyVersion, "Latest version you saw (0 = none); the write fails if it changed")
		_ = c.MarkFlagRequired("author")
	}

	overrideSetCmd.Flags().String("category", "", "menu_category of the target item")
	overrideSetCmd.Flags().String("item", "", "menu_item of the target item")
	overrideSetCmd.Flags().String("type", "", "fc_type of the target item")
	for _, f := range []string{"category", "item", "type"} {
		_ = overrideSetCmd.MarkFlagRequired(f)
	}
}
