package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fcanalytics/menurecon/internal/utils"
	"github.com/fcanalytics/menurecon/pkg/config"
	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/matcher"
	"github.com/fcanalytics/menurecon/pkg/menusource"
	"github.com/fcanalytics/menurecon/pkg/normalize"
	"github.com/fcanalytics/menurecon/pkg/policy"
	"github.com/spf13/cobra"
)

var menuCmd = &cobra.Command{
	Use:   "menu",
	Short: "Inspect the canonical menu",
}

var menuCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the configured canonical menu and report what the index would contain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx, err := loadIndex(cmd, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Canonical menu %s: %d items, %d EANs, %d category hints, %d name hints, %d deny rules\n",
			idx.Version(), idx.Len(), idx.EANCount(), len(cfg.CategoryHints), idx.NameHintCount(), len(cfg.DenyRules))
		for _, w := range idx.Warnings() {
			utils.Log.Warn(w)
		}
		for line, typ := range cfg.CategoryHints {
			if len(idx.ByType(typ)) == 0 {
				utils.Log.Warnf("Category hint %q -> %q matches no canonical item", line, typ)
			}
		}
		return nil
	},
}

var menuMatchCmd = &cobra.Command{
	Use:   "match PRODUCT_NAME",
	Short: "Show how a product name would be matched and decided",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		productLine, _ := cmd.Flags().GetString("product-line")
		ean, _ := cmd.Flags().GetString("ean")
		chain, _ := cmd.Flags().GetString("chain")

		idx, err := loadIndex(cmd, cfg)
		if err != nil {
			return err
		}
		pol, err := policy.New(cfg.PolicyConfig())
		if err != nil {
			return err
		}

		name := normalize.Text(args[0])
		item := normalize.NormalizedLineItem{
			ProductName: name,
			Tokens:      normalize.Tokenize(name),
			ProductLine: normalize.Label(productLine),
			RawEAN:      ean,
		}
		if code := normalize.CleanEAN(ean); normalize.ValidEAN(code) {
			item.EAN = code
		}
		item.Fingerprint = normalize.Fingerprint(chain, item.EAN, name)

		cands := matcher.New(idx, cfg.MatcherOptions()).Match(item)
		res := pol.Decide(item.Fingerprint, cands, nil, time.Now().UTC())

		fmt.Printf("normalized: %q tokens=%v fingerprint=%s\n", name, item.Tokens, item.Fingerprint)
		fmt.Printf("decision:   %s %.4f %s\n\n", res.Status, res.Confidence, itemLabel(res.Item))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSCORE\tMETHOD\tITEM\t")
		for i, c := range cands {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\t\n", i+1, c.Score, c.Method, candidateLabel(c))
		}
		return w.Flush()
	},
}

func loadIndex(cmd *cobra.Command, cfg *config.Config) (*index.Index, error) {
	var store menusource.CanonicalStore
	if menusource.Kind(cfg.Canonical.Source) == menusource.KindDB {
		db, _, err := openDB(cmd, cfg)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		store = db
	}
	source, err := menusource.New(cfg.MenuSource(), store)
	if err != nil {
		return nil, err
	}
	snap, err := source.LoadSnapshot(cmd.Context())
	if err != nil {
		return nil, err
	}
	return index.Build(snap, cfg.IndexOptions())
}

func init() {
	rootCmd.AddCommand(menuCmd)
	menuCmd.AddCommand(menuCheckCmd, menuMatchCmd)
	menuMatchCmd.Flags().String("product-line", "", "linia_produktowa of the line, for category hints")
	menuMatchCmd.Flags().String("ean", "", "EAN printed on the line")
	menuMatchCmd.Flags().String("chain", "", "Store chain id (id_sieci), for the fingerprint")
}
