package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	multiagent "github.com/KiranJinka45/multiAgent-sub000"
	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/engine"
)

var SubmitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Admit an execution and queue it",
	Long: `Check the kill switch, the user's daily quota and monthly token budget,
then queue the execution for a worker. Submitting an id that is already
queued or running is a no-op.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, _, err := openBundle(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		req, err := submitRequest(cmd, args)
		if err != nil {
			return err
		}
		sub, err := b.Submit(ctx, req)
		if err != nil {
			return err
		}
		if sub.Duplicate {
			fmt.Fprintf(cmd.OutOrStdout(), "Execution %s is already queued\n", sub.ExecutionID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued execution %s (%d/%d today)\n",
			sub.ExecutionID, sub.Admission.Execution.CurrentCount, b.Limits().MaxDailyGenerations)
		return nil
	},
}

var RunCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one execution in the foreground",
	Long: `Admit the execution and run the full pipeline in this process, without
the queue. Re-running with the same --id resumes an interrupted execution.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(context.Background())
		defer stop()

		b, _, err := openBundle(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		req, err := submitRequest(cmd, args)
		if err != nil {
			return err
		}
		if req.ExecutionID == "" {
			req.ExecutionID = uuid.NewString()
		}
		limits := b.Limits()
		limits.Bypass = req.OwnerOverride
		adm, err := b.Governance.Admit(ctx, req.UserID, req.ExecutionID, limits)
		if err != nil {
			return err
		}
		if !adm.Allowed {
			return adm.Err()
		}

		res, runErr := b.Orchestrator.Run(ctx, engine.RunRequest{
			ExecutionID: req.ExecutionID,
			Prompt:      req.Prompt,
			UserID:      req.UserID,
			ProjectID:   req.ProjectID,
		})
		if res == nil {
			b.Governance.ReleaseAdmission(context.WithoutCancel(ctx), req.UserID, limits)
			return runErr
		}
		if err := render(cmd.OutOrStdout(), newRunView(res)); err != nil {
			return err
		}
		return runErr
	},
}

func submitRequest(cmd *cobra.Command, args []string) (multiagent.SubmitRequest, error) {
	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")
	id, _ := cmd.Flags().GetString("id")
	override, _ := cmd.Flags().GetBool("owner-override")
	if user == "" {
		return multiagent.SubmitRequest{}, errors.New("--user is required")
	}
	return multiagent.SubmitRequest{
		ExecutionID:   id,
		Prompt:        strings.Join(args, " "),
		UserID:        user,
		ProjectID:     project,
		OwnerOverride: override,
	}, nil
}

func init() {
	for _, c := range []*cobra.Command{SubmitCmd, RunCmd} {
		c.Flags().String("user", "", "user id the execution is billed to")
		c.Flags().String("project", "", "project id")
		c.Flags().String("id", "", "execution id (idempotency key); generated when empty")
		c.Flags().Bool("owner-override", false, "bypass kill switch and limits (audited)")
	}
}
