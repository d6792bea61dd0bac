package commands

import (
	"github.com/spf13/cobra"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/governance"
)

var ReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare Redis token counters with the billing ledger",
	Long: `Scan every monthly token counter, compare it with the ledger sum for the
same user and month, and store the report for monitoring. Variances above
1% are reported as discrepancies. With --last the stored report is shown
instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, _, err := openBundle(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		if last, _ := cmd.Flags().GetBool("last"); last {
			rep, ok, err := governance.LastStatus(ctx, b.Client())
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no reconciliation has run in the last 7 days")
			}
			return render(cmd.OutOrStdout(), rep)
		}

		r := b.Reconciler()
		if r == nil {
			return errors.WithHint(errors.New("no billing ledger configured"), "set ledger.driver to sqlite or pgx")
		}
		rep, err := r.Run(ctx)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), rep)
	},
}

func init() {
	ReconcileCmd.Flags().Bool("last", false, "show the last stored report")
}
