package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bosondata/badwolf/internal/common"
)

// RegisterCommands adds all available commands to the root command
func RegisterCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewRegisterWebhookCommand())
	rootCmd.AddCommand(NewEncryptCommand())
	rootCmd.AddCommand(NewKeygenCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewLogCommand())
}

// NewRootCommand loads the configuration file and sets up logging before
// any subcommand runs.
func NewRootCommand(use string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           use,
		Short:         "Docker based continuous integration and code linting for Bitbucket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if err := common.InitConf(path); err != nil {
				return err
			}
			debug, _ := cmd.Flags().GetBool("debug")
			common.InitLog(common.GetConfig().LogPath, debug)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	return rootCmd
}
