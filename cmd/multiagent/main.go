package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KiranJinka45/multiAgent-sub000/cmd/multiagent/commands"
)

var rootCmd = &cobra.Command{
	Use:   "multiagent",
	Short: "Distributed build execution coordinator",
	Long: `multiagent coordinates multi-step code generation executions across
stateless workers sharing Redis.

Available commands:
  worker     - Consume queued executions
  submit     - Admit an execution and queue it
  run        - Run one execution in the foreground
  status     - Show an execution record and its progress, or queue stats
  killswitch - Manage the global admission kill switch
  reconcile  - Compare Redis token counters with the billing ledger
  verify     - Mark an execution's payment as verified

Examples:
  multiagent worker --concurrency 5
  multiagent submit --user u1 "Build a todo app"
  multiagent status 3f1c... -o json
  multiagent killswitch on`,
	SilenceUsage: true,
}

func init() {
	commands.RegisterFlags(rootCmd)

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.KillSwitchCmd)
	rootCmd.AddCommand(commands.ReconcileCmd)
	rootCmd.AddCommand(commands.VerifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.Describe(err))
		os.Exit(1)
	}
}
