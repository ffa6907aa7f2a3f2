package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "tidewayctl",
	Short: "Operator CLI for the tideway blue-green deployment controller",
	Long: `tidewayctl drives tidewayd's /tool surface: deploy a new image into the
standby slot, promote it live, roll back to the previous slot, and
inspect or clean up slot state, for a given project and environment.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tideway/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "tidewayd server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "authentication bearer token")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".tideway")
		if err := os.MkdirAll(configDir, 0700); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}

		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TIDEWAYCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// GetServerURL returns the configured tidewayd base URL.
func GetServerURL() string {
	url := viper.GetString("server")
	if url == "" {
		url = "http://localhost:8080"
	}
	return url
}

// GetToken returns the configured bearer token.
func GetToken() string {
	return viper.GetString("token")
}
