// Command tilectl submits image requests to a tileflow model runner and reports
// their progress.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "tilectl",
	Short:         "Submit and inspect tileflow image jobs",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().String("server", os.Getenv("TILEFLOW_URL"), "model runner API base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("TILEFLOW_API_KEY"), "API key")

	rootCmd.AddCommand(submitCmd, statusCmd, regionsCmd, tilesCmd)
}

func clientFor(cmd *cobra.Command) (*apiClient, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return newAPIClient(server, token)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
