package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/common"
)

func NewRegisterWebhookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register-webhook <owner/repo>",
		Short: "Subscribe the server to the events of a repository",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegisterWebhook,
	}
	cmd.Flags().String("url", "", "Webhook URL, defaults to <server_name>/webhook/push")
	return cmd
}

func runRegisterWebhook(cmd *cobra.Command, args []string) error {
	repo := args[0]
	if owner, name, ok := strings.Cut(repo, "/"); !ok || owner == "" || name == "" {
		return fmt.Errorf("invalid repository %q, expected owner/repo", repo)
	}
	conf := common.GetConfig()
	hookURL, _ := cmd.Flags().GetString("url")
	if hookURL == "" {
		hookURL = strings.TrimRight(conf.ServerName, "/") + "/webhook/push"
	}

	client, err := bitbucket.NewClientFromConfig(conf)
	if err != nil {
		return err
	}
	created, err := bitbucket.NewHooks(client, repo).Ensure(cmd.Context(), "badwolf", hookURL, bitbucket.WebhookEvents)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "Webhook %s registered for %s\n", hookURL, repo)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Webhook %s already registered for %s\n", hookURL, repo)
	}
	return nil
}
