package cmd

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/bosondata/badwolf/internal/common"
)

const masked = "******"

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(maskSecrets(common.GetConfig()))
		},
	}
}

func maskSecrets(c common.Config) common.Config {
	for _, secret := range []*string{
		&c.BitbucketPassword,
		&c.BitbucketOAuthSecret,
		&c.BitbucketRefreshToken,
		&c.SMTPPassword,
		&c.VaultToken,
		&c.SecureTokenIdentity,
		&c.JWTKey,
	} {
		if *secret != "" {
			*secret = masked
		}
	}
	return c
}
