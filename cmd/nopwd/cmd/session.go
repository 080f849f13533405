package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nopwd/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the current session, refreshing it if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		sess, err := c.Init(cmd.Context())
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), sess)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and forget it locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

func printSession(w io.Writer, s *session.Session) {
	if s == nil {
		fmt.Fprintln(w, "Not signed in.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Subject:\t%s\n", s.TokenPayload.Sub)
	fmt.Fprintf(tw, "Signed in with:\t%s\n", strings.Join(s.CreatedWith, ", "))
	fmt.Fprintf(tw, "Created:\t%s\n", s.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Last used:\t%s\n", s.UsedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Expires:\t%s\n", s.ExpiresAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Idle timeout:\t%s\n", s.IdleTimeout)
	fmt.Fprintf(tw, "Token expires:\t%s\n", s.TokenPayload.ExpiresAt().Local().Format(time.RFC3339))
	tw.Flush()
	if s.SuggestPasskeys {
		fmt.Fprintln(w, "\nTip: run `nopwd login passkey` to add a passkey to this account.")
	}
}

func init() {
	rootCmd.AddCommand(sessionCmd, logoutCmd)
}
