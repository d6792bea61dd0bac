package commands

import (
	"github.com/spf13/cobra"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

var StatusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show an execution record and its progress, or queue stats",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, _, err := openBundle(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		if len(args) == 0 {
			stats, err := b.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), stats)
		}

		id := args[0]
		rec, err := b.Store.Get(ctx, id)
		if errors.Is(err, errors.ErrRecordNotFound) {
			return errors.WithHint(err, "records expire 24h after their last update")
		}
		if err != nil {
			return err
		}
		snap, err := b.Progress.Latest(ctx, id)
		if err != nil {
			return err
		}
		view := newStatusView(rec, snap)
		if _, state, err := b.Queue.Get(ctx, id); err == nil {
			view.QueueState = state
		}
		return render(cmd.OutOrStdout(), view)
	},
}
