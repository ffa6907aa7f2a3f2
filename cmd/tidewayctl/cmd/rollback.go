package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <project>",
	Short: "Roll back to the slot currently in its grace window",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringP("env", "e", "production", "target environment")
}

type rollbackResult struct {
	RolledBackTo   string `json:"rolledBackTo"`
	PreviousActive string `json:"previousActive"`
	URL            string `json:"url"`
}

func runRollback(cmd *cobra.Command, args []string) error {
	project := args[0]
	env, _ := cmd.Flags().GetString("env")

	var result rollbackResult
	err := NewClient().CallTool("rollback", map[string]any{
		"projectName": project,
		"environment": env,
	}, &result)
	if err != nil {
		return err
	}

	fmt.Printf("rolled back to %s (%s)\n", result.RolledBackTo, result.URL)
	return nil
}
