package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flywheelhq/flywheel/internal/driver"
)

func newRunCmd() *cobra.Command {
	var (
		driverType string
		model      string
		workdir    string
		name       string
		checkpoint bool
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Spawn an agent, send one message and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := buildRegistry(cfg, log)

			d, err := reg.SelectDriver(cmd.Context(), driver.Requirements{
				PreferredType: driver.DriverType(driverType),
			})
			if err != nil {
				return err
			}

			agentCfg := driver.AgentConfig{
				ID:               uuid.New().String(),
				Name:             name,
				Model:            model,
				WorkingDirectory: workdir,
			}
			if _, err := d.Spawn(cmd.Context(), agentCfg); err != nil {
				return err
			}

			events, err := d.Subscribe(agentCfg.ID)
			if err != nil {
				return err
			}
			if err := d.Send(cmd.Context(), agentCfg.ID, args[0]); err != nil {
				return err
			}

			// Terminate once the agent settles back to idle; the event
			// stream closes after terminated.
			go func() {
				deadline := time.After(30 * time.Second)
				for {
					select {
					case <-deadline:
					case <-time.After(200 * time.Millisecond):
						if st, err := d.GetState(agentCfg.ID); err != nil || st.ActivityState != driver.StateIdle {
							continue
						}
					}
					if checkpoint {
						if err := saveCheckpoint(cmd.Context(), d, agentCfg.ID); err != nil {
							fmt.Printf("checkpoint failed: %v\n", err)
						}
					}
					_ = d.Terminate(cmd.Context(), agentCfg.ID)
					return
				}
			}()

			for evt := range events {
				switch evt.Type {
				case driver.EventOutput:
					fmt.Println(evt.Line.Text)
				case driver.EventStateChange:
					log.Debug().
						Str("from", string(evt.OldState)).
						Str("to", string(evt.NewState)).
						Msg("state change")
				case driver.EventError:
					fmt.Printf("error: %s\n", evt.Message)
				case driver.EventTerminated:
					fmt.Printf("agent terminated (%s)\n", evt.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&driverType, "driver", "", "preferred driver type (api, rpc, tmux, ntm)")
	cmd.Flags().StringVar(&model, "model", "", "model identifier passed to the backend")
	cmd.Flags().StringVar(&workdir, "workdir", "", "agent working directory")
	cmd.Flags().StringVar(&name, "name", "agent", "agent display name")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "save a checkpoint before terminating the agent")
	return cmd
}

// saveCheckpoint snapshots the agent on checkpoint-capable drivers and
// prints the checkpoint id.
func saveCheckpoint(ctx context.Context, d driver.Driver, agentID string) error {
	cd, err := driver.Checkpointer(d)
	if err != nil {
		return err
	}
	cp, err := cd.CreateCheckpoint(ctx, agentID)
	if err != nil {
		return err
	}
	fmt.Printf("checkpoint saved: %s\n", cp.ID)
	return nil
}
