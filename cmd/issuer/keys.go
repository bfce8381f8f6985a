package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-issuer/keys"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	cmd.AddCommand(newKeysGenerateCommand())
	return cmd
}

func newKeysGenerateCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an ECDSA P-256 signing key in PEM format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := keys.GenerateKey()
			if err != nil {
				return err
			}
			pemBytes, err := keys.MarshalPEM(key)
			if err != nil {
				return err
			}
			kid, err := keys.Thumbprint(key)
			if err != nil {
				return err
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (kid %s)\n", out, kid)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "File to write the key to (stdout if empty)")
	return cmd
}
