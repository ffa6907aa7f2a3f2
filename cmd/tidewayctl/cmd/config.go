package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tidewayctl's local configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file pointing at a tidewayd server",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().String("server", "http://localhost:8080", "tidewayd server URL")
	configInitCmd.Flags().String("token", "", "authentication bearer token")
}

type localConfig struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".tideway")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(localConfig{Server: server, Token: token})
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}
