package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/exploopio/attackmap/pkg/credentials"
)

func (c *cli) secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage tokens in the encrypted database store",
		Long: `Store adapter and oracle tokens encrypted in the attackmap database.

Keys follow the credential layout, e.g. adapters.sigma.token or
validation.token. The AES-256 key is read (base64) from the variable named by
credentials.key_env, ATTACKMAP_SECRET_KEY by default.`,
	}

	set := &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Store a secret (reads the value from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("empty secret")
			}
			ss, err := c.app.secretStore()
			if err != nil {
				return err
			}
			if err := ss.Set(cmd.Context(), args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", args[0])
			return nil
		}),
	}

	rm := &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			ss, err := c.app.secretStore()
			if err != nil {
				return err
			}
			if err := ss.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		}),
	}

	check := &cobra.Command{
		Use:   "check <key>",
		Short: "Report whether any credential store holds a key",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			creds, err := c.app.credentialStore()
			if err != nil {
				return err
			}
			v, err := credentials.Lookup(cmd.Context(), creds, args[0])
			if err != nil {
				return err
			}
			if v == "" {
				return fmt.Errorf("%s is not set", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is set\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(set, rm, check)
	return cmd
}
