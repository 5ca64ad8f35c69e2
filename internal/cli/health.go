package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every driver backend and report its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := buildRegistry(cfg, log)

			// Instantiate every registered type so CheckHealth has
			// something to probe.
			for _, t := range reg.Types() {
				if _, err := reg.GetDriver(t); err != nil {
					fmt.Printf("%-6s unavailable: %v\n", t, err)
				}
			}

			results := reg.CheckHealth(cmd.Context())
			for _, t := range reg.Types() {
				healthy, checked := results[t]
				switch {
				case !checked:
					continue
				case healthy:
					fmt.Printf("%-6s healthy\n", t)
				default:
					fmt.Printf("%-6s unhealthy\n", t)
				}
			}
			return nil
		},
	}
}
