package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ttakah/trackmirror/internal/appclient"
)

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "poll <track>",
		Short:        "Queue an immediate source poll for a track",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := appclient.New(rootOpts.SocketPath)
			resp, err := client.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Track, resp.Status)
			return nil
		},
	}
}
