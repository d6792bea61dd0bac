package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/billing"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

var VerifyCmd = &cobra.Command{
	Use:   "verify <execution-id>",
	Short: "Mark an execution's payment as verified",
	Long: `Record an externally confirmed payment for the execution under its
distributed lock. An execution whose payment already failed stays failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		reference, _ := cmd.Flags().GetString("reference")
		if reference == "" {
			return errors.New("--reference is required")
		}

		b, log, err := openBundle(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		out, err := b.Verifier.Verify(ctx, billing.VerifyRequest{ExecutionID: args[0], UserID: user},
			func(_ context.Context, rec *api.Record) error {
				log.Infow("Payment confirmed by operator", "execution_id", rec.ExecutionID, "reference", reference)
				return nil
			})
		if err != nil {
			return err
		}
		if out.Charged {
			fmt.Fprintf(cmd.OutOrStdout(), "Payment for %s verified\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Payment for %s was already verified\n", args[0])
		}
		return nil
	},
}

func init() {
	VerifyCmd.Flags().String("user", "", "user id, used when the record does not exist yet")
	VerifyCmd.Flags().String("reference", "", "external payment reference")
}
