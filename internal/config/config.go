// Package config loads the flywheel YAML configuration: per-backend driver
// tunables plus logging settings. Missing files produce defaults only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultBaseDir = ".flywheel"

// Config is the root configuration.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime,omitempty"`
	API     APIConfig     `yaml:"api,omitempty"`
	RPC     RPCConfig     `yaml:"rpc,omitempty"`
	Tmux    TmuxConfig    `yaml:"tmux,omitempty"`
	Ntm     NtmConfig     `yaml:"ntm,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// RuntimeConfig holds the shared per-agent runtime tunables applied to
// every driver.
type RuntimeConfig struct {
	MaxAgents          int `yaml:"maxAgents,omitempty"`
	OutputBufferSize   int `yaml:"outputBufferSize,omitempty"`
	StallThresholdMs   int `yaml:"stallThresholdMs,omitempty"`
	MaxHistoryMessages int `yaml:"maxHistoryMessages,omitempty"`
}

// StallThreshold returns the stall threshold as a duration.
func (r RuntimeConfig) StallThreshold() time.Duration {
	return time.Duration(r.StallThresholdMs) * time.Millisecond
}

// APIConfig tunes the direct-API driver.
type APIConfig struct {
	// ArchivePath is the SQLite checkpoint archive. Empty disables
	// persistence.
	ArchivePath string `yaml:"archivePath,omitempty"`
}

// RPCConfig tunes the JSON-RPC subprocess driver.
type RPCConfig struct {
	Command      string   `yaml:"command,omitempty"`
	Args         []string `yaml:"args,omitempty"`
	Env          []string `yaml:"env,omitempty"`
	RPCTimeoutMs int      `yaml:"rpcTimeoutMs,omitempty"`
}

// RPCTimeout returns the pending-call timeout as a duration.
func (r RPCConfig) RPCTimeout() time.Duration {
	return time.Duration(r.RPCTimeoutMs) * time.Millisecond
}

// TmuxConfig tunes the tmux-session driver.
type TmuxConfig struct {
	Socket            string            `yaml:"socket,omitempty"`
	Command           string            `yaml:"command,omitempty"`
	Args              []string          `yaml:"args,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	HistoryLimit      int               `yaml:"historyLimit,omitempty"`
	CaptureIntervalMs int               `yaml:"captureIntervalMs,omitempty"`
}

// CaptureInterval returns the pane polling period as a duration.
func (t TmuxConfig) CaptureInterval() time.Duration {
	return time.Duration(t.CaptureIntervalMs) * time.Millisecond
}

// NtmConfig tunes the delegated-orchestration driver.
type NtmConfig struct {
	Binary                   string `yaml:"binary,omitempty"`
	PollIntervalMs           int    `yaml:"pollIntervalMs,omitempty"`
	MaxConsecutivePollErrors int    `yaml:"maxConsecutivePollErrors,omitempty"`
	MaxPollStaleMs           int    `yaml:"maxPollStaleMs,omitempty"`
	TailLines                int    `yaml:"tailLines,omitempty"`
}

// PollInterval returns the polling period as a duration.
func (n NtmConfig) PollInterval() time.Duration {
	return time.Duration(n.PollIntervalMs) * time.Millisecond
}

// MaxPollStale returns the staleness bound as a duration.
func (n NtmConfig) MaxPollStale() time.Duration {
	return time.Duration(n.MaxPollStaleMs) * time.Millisecond
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Runtime: RuntimeConfig{
			MaxAgents:          16,
			OutputBufferSize:   1000,
			StallThresholdMs:   120000,
			MaxHistoryMessages: 50,
		},
		RPC:  RPCConfig{RPCTimeoutMs: 30000},
		Tmux: TmuxConfig{Socket: "flywheel", HistoryLimit: 10000, CaptureIntervalMs: 500},
		Ntm: NtmConfig{
			Binary:                   "ntm",
			PollIntervalMs:           2000,
			MaxConsecutivePollErrors: 5,
			MaxPollStaleMs:           60000,
			TailLines:                50,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file, fills defaults and applies environment
// overrides. A missing file yields defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields with the baseline values.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Runtime.MaxAgents == 0 {
		cfg.Runtime.MaxAgents = d.Runtime.MaxAgents
	}
	if cfg.Runtime.OutputBufferSize == 0 {
		cfg.Runtime.OutputBufferSize = d.Runtime.OutputBufferSize
	}
	if cfg.Runtime.StallThresholdMs == 0 {
		cfg.Runtime.StallThresholdMs = d.Runtime.StallThresholdMs
	}
	if cfg.Runtime.MaxHistoryMessages == 0 {
		cfg.Runtime.MaxHistoryMessages = d.Runtime.MaxHistoryMessages
	}
	if cfg.RPC.RPCTimeoutMs == 0 {
		cfg.RPC.RPCTimeoutMs = d.RPC.RPCTimeoutMs
	}
	if cfg.Tmux.Socket == "" {
		cfg.Tmux.Socket = d.Tmux.Socket
	}
	if cfg.Tmux.HistoryLimit == 0 {
		cfg.Tmux.HistoryLimit = d.Tmux.HistoryLimit
	}
	if cfg.Tmux.CaptureIntervalMs == 0 {
		cfg.Tmux.CaptureIntervalMs = d.Tmux.CaptureIntervalMs
	}
	if cfg.Ntm.Binary == "" {
		cfg.Ntm.Binary = d.Ntm.Binary
	}
	if cfg.Ntm.PollIntervalMs == 0 {
		cfg.Ntm.PollIntervalMs = d.Ntm.PollIntervalMs
	}
	if cfg.Ntm.MaxConsecutivePollErrors == 0 {
		cfg.Ntm.MaxConsecutivePollErrors = d.Ntm.MaxConsecutivePollErrors
	}
	if cfg.Ntm.MaxPollStaleMs == 0 {
		cfg.Ntm.MaxPollStaleMs = d.Ntm.MaxPollStaleMs
	}
	if cfg.Ntm.TailLines == 0 {
		cfg.Ntm.TailLines = d.Ntm.TailLines
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
}

// applyEnvOverrides reads FLYWHEEL_* environment variables over the file
// values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLYWHEEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLYWHEEL_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.MaxAgents = n
		}
	}
	if v := os.Getenv("FLYWHEEL_NTM_BINARY"); v != "" {
		cfg.Ntm.Binary = v
	}
	if v := os.Getenv("FLYWHEEL_TMUX_SOCKET"); v != "" {
		cfg.Tmux.Socket = v
	}
}

// Paths holds resolved filesystem paths for flywheel data.
type Paths struct {
	Base    string // ~/.flywheel
	Config  string // ~/.flywheel/config.yaml
	Data    string // ~/.flywheel/data
	Archive string // ~/.flywheel/data/checkpoints.db
}

// ResolvePaths computes the standard paths. FLYWHEEL_HOME overrides the
// base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("FLYWHEEL_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}
	return Paths{
		Base:    base,
		Config:  filepath.Join(base, "config.yaml"),
		Data:    filepath.Join(base, "data"),
		Archive: filepath.Join(base, "data", "checkpoints.db"),
	}, nil
}

// EnsureDirs creates the standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
