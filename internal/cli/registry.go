package cli

import (
	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/driver/api"
	"github.com/flywheelhq/flywheel/internal/driver/ntm"
	"github.com/flywheelhq/flywheel/internal/driver/rpc"
	"github.com/flywheelhq/flywheel/internal/driver/tmuxdrv"
	"github.com/flywheelhq/flywheel/internal/logging"
	"github.com/flywheelhq/flywheel/internal/store"
)

// buildRegistry wires every backend into a registry from the loaded config.
// Driver instances are built lazily on first use.
func buildRegistry(cfg config.Config, log *logging.Logger) *driver.Registry {
	core := driver.CoreConfig{
		MaxAgents:          cfg.Runtime.MaxAgents,
		OutputBufferSize:   cfg.Runtime.OutputBufferSize,
		StallThreshold:     cfg.Runtime.StallThreshold(),
		MaxHistoryMessages: cfg.Runtime.MaxHistoryMessages,
	}

	reg := driver.NewRegistry(log)

	reg.Register(driver.TypeAPI, driver.Registration{
		Description: "direct provider API (simulated)",
		Capabilities: driver.Capabilities{
			StructuredEvents: true,
			Checkpoint:       true,
			Interrupt:        true,
			Streaming:        true,
		},
		Factory: func() (driver.Driver, error) {
			apiCfg := api.Config{Core: core}
			if cfg.API.ArchivePath != "" {
				db, err := store.Open(cfg.API.ArchivePath, log)
				if err != nil {
					return nil, err
				}
				apiCfg.Archive = db
			}
			return api.New(apiCfg, log), nil
		},
	})

	reg.Register(driver.TypeRPC, driver.Registration{
		Description: "JSON-RPC agent subprocess over stdio",
		Capabilities: driver.Capabilities{
			StructuredEvents: true,
			ToolCalls:        true,
			FileOperations:   true,
			Checkpoint:       true,
			Interrupt:        true,
			Streaming:        true,
		},
		Factory: func() (driver.Driver, error) {
			return rpc.New(rpc.Config{
				Core:       core,
				Command:    cfg.RPC.Command,
				Args:       cfg.RPC.Args,
				Env:        cfg.RPC.Env,
				RPCTimeout: cfg.RPC.RPCTimeout(),
			}, log), nil
		},
	})

	reg.Register(driver.TypeTmux, driver.Registration{
		Description: "detached tmux session with pane capture",
		Capabilities: driver.Capabilities{
			TerminalAttach: true,
			Interrupt:      true,
			Streaming:      true,
		},
		Factory: func() (driver.Driver, error) {
			return tmuxdrv.New(tmuxdrv.Config{
				Core:            core,
				Socket:          cfg.Tmux.Socket,
				Command:         cfg.Tmux.Command,
				Args:            cfg.Tmux.Args,
				Env:             cfg.Tmux.Env,
				HistoryLimit:    cfg.Tmux.HistoryLimit,
				CaptureInterval: cfg.Tmux.CaptureInterval(),
			}, log), nil
		},
	})

	reg.Register(driver.TypeNtm, driver.Registration{
		Description: "delegated ntm multi-agent orchestration",
		Capabilities: driver.Capabilities{
			TerminalAttach: true,
			Streaming:      true,
		},
		Factory: func() (driver.Driver, error) {
			client := ntm.NewCLIClient(cfg.Ntm.Binary, nil, log)
			return ntm.New(ntm.Config{
				Core:                     core,
				Client:                   client,
				PollInterval:             cfg.Ntm.PollInterval(),
				MaxConsecutivePollErrors: cfg.Ntm.MaxConsecutivePollErrors,
				MaxPollStale:             cfg.Ntm.MaxPollStale(),
				TailLines:                cfg.Ntm.TailLines,
			}, log), nil
		},
	})

	return reg
}
