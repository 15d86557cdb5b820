package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "karma",
	Short: "Karma scoreboard for arbitrary terms",
	Long:  "Karma tracks scores for arbitrary terms: increments, decrements, term links, and scheduled score decay. Single Go binary.",
}

// configPath is shared by every command that loads configuration.
var configPath string

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.karma/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(bestCmd)
	rootCmd.AddCommand(worstCmd)
	rootCmd.AddCommand(modifiedCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(decayCmd)
}
