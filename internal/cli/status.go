package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ttakah/trackmirror/internal/appclient"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show daemon health",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := appclient.New(rootOpts.SocketPath)
			health, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon unreachable at %s: %w", rootOpts.SocketPath, err)
			}
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(health)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", health.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "stream: %s\n", health.StreamID)
			return nil
		},
	}
}
