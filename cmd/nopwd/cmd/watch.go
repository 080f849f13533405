package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nopwd"
	"github.com/jmcleod/nopwd/client"
	"github.com/jmcleod/nopwd/session"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session fresh and print every state change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		return watchSession(cmd.Context(), c, watchInterval, cmd.OutOrStdout())
	},
}

// watchSession prints session state transitions and calls Get every
// interval until ctx is done. Transient failures are logged and retried on
// the next tick.
func watchSession(ctx context.Context, c *client.Client, interval time.Duration, out io.Writer) error {
	id := c.Sessions.AddStateListener(func(st session.State) {
		printState(out, st)
	})
	defer c.Sessions.RemoveStateListener(id)

	if _, err := c.Init(ctx); err != nil && !nopwd.Retryable(err) {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := c.Sessions.Get(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !nopwd.Retryable(err) {
				return err
			}
			logger.Warn("session refresh failed, will retry", "error", err)
		}
	}
}

func printState(w io.Writer, st session.State) {
	now := time.Now().Format(time.TimeOnly)
	switch s := st.(type) {
	case session.Authenticated:
		fmt.Fprintf(w, "%s authenticated session=%s token_expires=%s\n",
			now, s.Session.ID, s.Session.TokenPayload.ExpiresAt().Local().Format(time.TimeOnly))
	default:
		fmt.Fprintf(w, "%s %s\n", now, st)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "how often to check the session")
}
