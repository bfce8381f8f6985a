package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-issuer/clients"
)

func newClientsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect and prepare client registrations",
	}
	cmd.AddCommand(newHashSecretCommand(), newValidateClientsCommand())
	return cmd
}

func newHashSecretCommand() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a client secret for the clients file",
		Long:  "Hash a client secret for the clients file. The secret is read from stdin unless --secret is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}
			hash, err := clients.HashSecret(secret)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Secret to hash")
	return cmd
}

func newValidateClientsCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a clients file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := clients.LoadFile(file)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d clients (%s)\n",
				file, len(registry.IDs()), strings.Join(registry.IDs(), ", "))
			return err
		},
	}
	cmd.Flags().StringVar(&file, "clients", "clients.yaml", "Path to the clients file")
	return cmd
}
