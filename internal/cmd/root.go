package cmd

import (
	"github.com/spf13/cobra"

	"kyri56xcaesar/eventteams/internal/mteam"
)

var rootCmd = &cobra.Command{
	Use:   "teamsvc",
	Short: "Event team formation service",
	Long: `teamsvc serves the team formation API of an event platform: creating
teams, inviting participants, accepting, declining and leaving, with one
team per participant per event and the event's team size enforced.`,
	SilenceUsage: true,
}

var configPath string

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/teams.env", "env file with the service configuration")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mteam.InitAndServe(configPath)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the storage schema and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mteam.Migrate(configPath)
	},
}
