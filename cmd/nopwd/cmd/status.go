package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nopwd/status"
)

var (
	statusLimit    int
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [scope]",
	Short: "Show the service's daily health",
	Long: `Prints the per-day health of the service, or of one scope such as
"sessions" or "webauthn". With --watch the websocket stream is followed;
with --interval the REST endpoint is polled instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := status.Query{Limit: statusLimit}
		if len(args) == 1 {
			q.Scope = args[0]
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		switch {
		case statusWatch:
			h := status.NewHistory(statusLimit)
			return c.StreamStatus(cmd.Context(), q, func(s status.Status) {
				h.Add(s)
				printStatusLine(out, s)
			}, status.WithConnectionFunc(func(connected bool) {
				if !connected {
					h.Reset()
				}
			}))
		case statusInterval > 0:
			return c.Status.Poll(cmd.Context(), statusInterval, q, func(ss []status.Status, err error) {
				if err != nil {
					logger.Warn("status poll failed", "error", err)
					return
				}
				printStatuses(out, ss)
			})
		default:
			ss, err := c.Status.Get(cmd.Context(), q)
			if err != nil {
				return err
			}
			printStatuses(out, ss)
			return nil
		}
	},
}

func dayOf(id int64) string {
	return time.Unix(id*int64(24*time.Hour/time.Second), 0).UTC().Format(time.DateOnly)
}

func averageMillis(s status.Status) int64 {
	n := s.SuccessCount + s.ErrorCount
	if n == 0 {
		return 0
	}
	return s.TotalExecTime / n
}

func printStatuses(w io.Writer, ss []status.Status) {
	if len(ss) == 0 {
		fmt.Fprintln(w, "No data.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tSCOPE\tHEALTH\tOK\tERRORS\tAVG MS")
	for _, s := range ss {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			dayOf(s.DayID), scopeName(s.Scope), s.Health(), s.SuccessCount, s.ErrorCount, averageMillis(s))
	}
	tw.Flush()
}

func printStatusLine(w io.Writer, s status.Status) {
	fmt.Fprintf(w, "%s %s %s ok=%d errors=%d avg=%dms\n",
		dayOf(s.DayID), scopeName(s.Scope), s.Health(), s.SuccessCount, s.ErrorCount, averageMillis(s))
}

func scopeName(scope string) string {
	if scope == "" {
		return "all"
	}
	return scope
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusLimit, "limit", 7, "number of days to show")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow the live status stream")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 0, "poll every interval instead of streaming")
}
