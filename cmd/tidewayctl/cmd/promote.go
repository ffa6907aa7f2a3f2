package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <project>",
	Short: "Promote the deployed slot to active",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromote,
}

func init() {
	rootCmd.AddCommand(promoteCmd)
	promoteCmd.Flags().StringP("env", "e", "production", "target environment")
	promoteCmd.Flags().String("slot", "", "slot to promote (blue|green); defaults to whichever is deployed")
}

type promoteResult struct {
	ActiveSlot   string `json:"activeSlot"`
	PreviousSlot string `json:"previousSlot"`
	URL          string `json:"url"`
	Grace        *struct {
		Slot           string  `json:"slot"`
		EndsAt         string  `json:"endsAt"`
		HoursRemaining float64 `json:"hoursRemaining"`
	} `json:"grace"`
}

func runPromote(cmd *cobra.Command, args []string) error {
	project := args[0]
	env, _ := cmd.Flags().GetString("env")
	slot, _ := cmd.Flags().GetString("slot")

	params := map[string]any{"projectName": project, "environment": env}
	if slot != "" {
		params["targetSlot"] = slot
	}

	var result promoteResult
	if err := NewClient().CallTool("promote", params, &result); err != nil {
		return err
	}

	fmt.Printf("promoted %s to active (%s)\n", result.ActiveSlot, result.URL)
	if result.Grace != nil {
		fmt.Printf("previous slot %s now in grace for %.0fh\n", result.Grace.Slot, result.Grace.HoursRemaining)
	}
	return nil
}
