package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flywheelhq/flywheel/internal/driver"
)

func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List registered drivers and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := buildRegistry(cfg, log)
			for _, t := range reg.Types() {
				info, _ := reg.Describe(t)
				fmt.Printf("%-6s %s\n", t, info.Description)
				fmt.Printf("       capabilities: %s\n", capabilityList(info.Capabilities))
			}
			return nil
		},
	}
}

func capabilityList(c driver.Capabilities) string {
	var caps []string
	add := func(on bool, name string) {
		if on {
			caps = append(caps, name)
		}
	}
	add(c.StructuredEvents, "structured-events")
	add(c.ToolCalls, "tool-calls")
	add(c.FileOperations, "file-operations")
	add(c.TerminalAttach, "terminal-attach")
	add(c.DiffRendering, "diff-rendering")
	add(c.Checkpoint, "checkpoint")
	add(c.Interrupt, "interrupt")
	add(c.Streaming, "streaming")
	if len(caps) == 0 {
		return "(none)"
	}
	return strings.Join(caps, ", ")
}
