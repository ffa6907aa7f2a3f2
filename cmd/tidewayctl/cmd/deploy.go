package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <project>",
	Short: "Deploy an image into the standby slot",
	Long: `Deploy pulls the given image into whichever slot is not currently
active, health-gates it, and leaves it in state=deployed. Pass
--promote to flip it live immediately after.

Examples:
  tidewayctl deploy myapp --image=ghcr.io/acme/myapp:1.4.0
  tidewayctl deploy myapp --image=ghcr.io/acme/myapp:1.4.0 --env=staging --promote`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringP("image", "i", "", "image reference to deploy (required)")
	deployCmd.Flags().StringP("env", "e", "production", "target environment")
	deployCmd.Flags().Bool("skip-healthcheck", false, "skip the health gate")
	deployCmd.Flags().Bool("promote", false, "promote the deployed slot immediately")
	_ = deployCmd.MarkFlagRequired("image")
}

type deployResult struct {
	Slot          string `json:"slot"`
	Port          int    `json:"port"`
	PreviewURL    string `json:"previewUrl"`
	IsFirstDeploy bool   `json:"isFirstDeploy"`
	ActiveSlot    string `json:"activeSlot"`
}

func runDeploy(cmd *cobra.Command, args []string) error {
	project := args[0]
	image, _ := cmd.Flags().GetString("image")
	env, _ := cmd.Flags().GetString("env")
	skipHealthcheck, _ := cmd.Flags().GetBool("skip-healthcheck")
	promote, _ := cmd.Flags().GetBool("promote")

	fmt.Printf("Deploying %s to %s (%s)...\n", image, project, env)

	var result deployResult
	err := NewClient().CallTool("deploy", map[string]any{
		"projectName":     project,
		"environment":     env,
		"image":           image,
		"skipHealthcheck": skipHealthcheck,
		"autoPromote":     promote,
	}, &result)
	if err != nil {
		return err
	}

	fmt.Printf("deployed to slot %s on port %d\n", result.Slot, result.Port)
	fmt.Printf("preview: %s\n", result.PreviewURL)
	if promote {
		fmt.Println("promoted live")
	} else {
		fmt.Printf("run 'tidewayctl promote %s --env=%s' to go live\n", project, env)
	}
	return nil
}
