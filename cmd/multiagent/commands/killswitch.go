package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var KillSwitchCmd = &cobra.Command{
	Use:       "killswitch on|off|status",
	Short:     "Manage the global admission kill switch",
	Long:      `While the kill switch is on every new execution is rejected, except owner overrides.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cobra.OnlyValidArgs(cmd, args); err != nil {
			return err
		}
		ctx := cmd.Context()
		b, _, err := openBundle(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		switch args[0] {
		case "on", "off":
			if err := b.Governance.SetKillSwitch(ctx, args[0] == "on"); err != nil {
				return err
			}
		}
		active, err := b.Governance.IsKillSwitchActive(ctx)
		if err != nil {
			return err
		}
		state := "off"
		if active {
			state = "on"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Kill switch is %s\n", state)
		return nil
	},
}
