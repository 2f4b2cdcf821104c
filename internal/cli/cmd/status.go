package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bosondata/badwolf/internal/cli/client"
	"github.com/bosondata/badwolf/internal/common"
)

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("server", "s", "", "Server URL, defaults to server_name")
	cmd.Flags().String("ca-cert", "", "CA certificate used to verify the server")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		serverURL = common.GetConfig().ServerName
	}
	caCert, _ := cmd.Flags().GetString("ca-cert")
	return client.New(serverURL, caCert)
}

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many pipelines a server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			running, err := c.Running(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "running pipelines: %d\n", running)
			return nil
		},
	}
	addServerFlags(cmd)
	return cmd
}

func NewLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <commit> <task-id>",
		Short: "Print the build or lint log of a pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			kind := "build"
			if lint, _ := cmd.Flags().GetBool("lint"); lint {
				kind = "lint"
			}
			page, err := c.Log(cmd.Context(), kind, args[0], args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(page)
			return err
		},
	}
	addServerFlags(cmd)
	cmd.Flags().Bool("lint", false, "Fetch the lint log instead of the build log")
	return cmd
}
