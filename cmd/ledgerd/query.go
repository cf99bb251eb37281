package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dgt/seed-ledger/ledger"
)

// PartitionOptions selects the partition for read-only commands.
type PartitionOptions struct {
	*RootOptions
	Seed      string
	Owner     string
	Warehouse string
}

func (o *PartitionOptions) partition() ledger.Partition {
	return ledger.Partition{Seed: o.Seed, Owner: o.Owner, Warehouse: o.Warehouse}
}

func addPartitionFlags(cmd *cobra.Command, opts *PartitionOptions) {
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "seed type symbol (required)")
	_ = cmd.MarkFlagRequired("seed")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owning company (required)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.Flags().StringVar(&opts.Warehouse, "warehouse", "", "warehouse id (required)")
	_ = cmd.MarkFlagRequired("warehouse")
}

func newBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PartitionOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a partition's totals and bin card",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			p := opts.partition()
			totals, err := a.services.Lots.Totals(cmd.Context(), p)
			if err != nil {
				return err
			}
			card, err := a.services.Lots.BinCard(cmd.Context(), p)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), map[string]any{"totals": totals, "bin_card": card})
			}
			return writeBalanceText(cmd.OutOrStdout(), totals, card)
		},
	}
	addPartitionFlags(cmd, opts)
	return cmd
}

func newPoolsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PartitionOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Print a partition's balance pool buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.services.Lots.Pools(cmd.Context(), opts.partition())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), entries)
			}
			return writePoolsText(cmd.OutOrStdout(), entries)
		},
	}
	addPartitionFlags(cmd, opts)
	return cmd
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeBalanceText(w io.Writer, t ledger.PartitionTotals, card []ledger.LotBalance) error {
	fmt.Fprintf(w, "Partition:     %s\n", t.Partition)
	fmt.Fprintf(w, "Balance:       %s\n", t.Balance.StringFixed(3))
	fmt.Fprintf(w, "Raw remaining: %s\n", t.RawRemaining.StringFixed(3))
	fmt.Fprintf(w, "Cleaned:       %s\n", t.Cleaned.StringFixed(3))
	fmt.Fprintf(w, "Reject:        %s\n\n", t.Reject.StringFixed(3))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NO\tWEIGHT\tBALANCE\tGRADE\tDESCRIPTION")
	for _, row := range card {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			row.Lot.InOutNo, row.Lot.Weight.StringFixed(3), row.Balance.StringFixed(3), row.Lot.Grade, row.Lot.Description)
	}
	return tw.Flush()
}

func writePoolsText(w io.Writer, entries []ledger.PoolEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPURITY\tCLEANED\tREJECT")
	for _, e := range entries {
		purity := "reject"
		if e.Purity.Valid {
			purity = e.Purity.Decimal.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, purity, e.Cleaned.StringFixed(3), e.Reject.StringFixed(3))
	}
	return tw.Flush()
}
