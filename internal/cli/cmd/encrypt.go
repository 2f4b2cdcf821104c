package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/spf13/cobra"

	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/spec"
)

func NewEncryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a value for use as {secure: <token>} in .badwolf.yml",
		Long:  "Encrypt a value for use as {secure: <token>} in .badwolf.yml. The value is read from stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEncrypt,
	}
	cmd.Flags().StringP("recipient", "r", "", "age recipient, defaults to the one of secure_token_identity")
	return cmd
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	recipient, _ := cmd.Flags().GetString("recipient")
	if recipient == "" {
		identity := common.GetConfig().SecureTokenIdentity
		if identity == "" {
			return errors.New("no recipient given and secure_token_identity not configured")
		}
		d, err := spec.NewAgeDecrypter(identity)
		if err != nil {
			return err
		}
		recipient = d.Recipient()
	}

	var value string
	if len(args) == 1 {
		value = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		value = strings.TrimRight(string(data), "\r\n")
	}

	token, err := spec.EncryptSecureValue(value, recipient)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func NewKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for secure_token_identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := age.GenerateX25519Identity()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# recipient: %s\n", identity.Recipient())
			fmt.Fprintln(out, identity)
			return nil
		},
	}
}
