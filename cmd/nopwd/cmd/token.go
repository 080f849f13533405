package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nopwd/token"
)

var decodeOnly bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and revoke access tokens",
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a token with the service and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			p   token.Payload
			err error
		)
		if decodeOnly {
			p, err = token.Decode(args[0])
		} else {
			c, cerr := newClient()
			if cerr != nil {
				return cerr
			}
			defer c.Close()
			p, err = c.Tokens.Verify(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Tokens.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token revoked.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenVerifyCmd, tokenRevokeCmd)
	tokenVerifyCmd.Flags().BoolVar(&decodeOnly, "decode", false, "decode locally without asking the service")
}
