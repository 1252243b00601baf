package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ttakah/trackmirror/internal/appclient"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "stats",
		Short:        "Show per-track mirroring statistics",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := appclient.New(rootOpts.SocketPath)
			env, err := client.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon unreachable at %s: %w", rootOpts.SocketPath, err)
			}
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(env)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue depth: %d\n", env.QueueDepth)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRACK\tTHREAD\tPOLL\tAVG\tMIRRORED\tSEEN")
			for _, tr := range env.Tracks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
					tr.Track,
					orDash(tr.ThreadID),
					(time.Duration(tr.PollIntervalSec) * time.Second).String(),
					(time.Duration(tr.AvgIntervalSec) * time.Second).String(),
					tr.MirroredCount,
					tr.RequestsSeenTotal,
				)
			}
			return w.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
