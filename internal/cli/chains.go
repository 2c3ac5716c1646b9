package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keelwallet/keel/internal/config"
	"github.com/keelwallet/keel/internal/network"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "Inspect and switch configured chains",
}

var chainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured chains and their endpoints",
	RunE: func(_ *cobra.Command, _ []string) error {
		app, err := buildApp(nil, nil)
		if err != nil {
			return err
		}
		defer app.close()

		active := app.chains.ActiveRef()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REF\tNAME\tCURRENCY\tENDPOINTS\tACTIVE")
		for _, chain := range app.chains.List() {
			urls := make([]string, len(chain.Endpoints))
			for i, ep := range chain.Endpoints {
				urls[i] = ep.URL
			}
			marker := ""
			if chain.Ref == active {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				chain.Ref, chain.Name, chain.Currency.Symbol, strings.Join(urls, ","), marker)
		}
		return w.Flush()
	},
}

var chainsSwitchCmd = &cobra.Command{
	Use:   "switch <ref>",
	Short: "Switch the active chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ref, err := network.ParseRef(args[0])
		if err != nil {
			return err
		}

		app, err := buildApp(nil, nil)
		if err != nil {
			return err
		}
		defer app.close()

		chain, err := app.chains.SwitchChain(ref)
		if err != nil {
			return err
		}

		cfg.ActiveChain = string(chain.Ref)
		if err := config.Save(cfg, config.Path(cfg.Home)); err != nil {
			return err
		}
		fmt.Printf("Active chain is now %s (%s)\n", chain.Ref, chain.Name)
		return nil
	},
}

func init() {
	chainsCmd.AddCommand(chainsListCmd)
	chainsCmd.AddCommand(chainsSwitchCmd)
	rootCmd.AddCommand(chainsCmd)
}
