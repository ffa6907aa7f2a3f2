package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Inspect and manage blue-green slot state",
}

var slotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every scope's slot state",
	RunE:  runSlotsList,
}

var slotsStatusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show one scope's slot state and recent history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotsStatus,
}

var slotsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim expired grace slots",
	RunE:  runSlotsCleanup,
}

func init() {
	rootCmd.AddCommand(slotsCmd)
	slotsCmd.AddCommand(slotsListCmd, slotsStatusCmd, slotsCleanupCmd)

	slotsListCmd.Flags().String("project", "", "filter by project")
	slotsListCmd.Flags().String("env", "", "filter by environment")

	slotsStatusCmd.Flags().StringP("env", "e", "production", "target environment")

	slotsCleanupCmd.Flags().String("project", "", "filter by project")
	slotsCleanupCmd.Flags().String("env", "", "filter by environment")
	slotsCleanupCmd.Flags().Bool("force", false, "clean up grace slots regardless of expiry")
}

func runSlotsList(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	env, _ := cmd.Flags().GetString("env")

	var result json.RawMessage
	err := NewClient().CallTool("slot_list", map[string]any{
		"projectName": project,
		"environment": env,
	}, &result)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runSlotsStatus(cmd *cobra.Command, args []string) error {
	project := args[0]
	env, _ := cmd.Flags().GetString("env")

	var result json.RawMessage
	err := NewClient().CallTool("slot_status", map[string]any{
		"projectName": project,
		"environment": env,
	}, &result)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runSlotsCleanup(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	env, _ := cmd.Flags().GetString("env")
	force, _ := cmd.Flags().GetBool("force")

	var result json.RawMessage
	err := NewClient().CallTool("slot_cleanup", map[string]any{
		"projectName": project,
		"environment": env,
		"force":       force,
	}, &result)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
