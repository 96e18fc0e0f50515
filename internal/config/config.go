package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/iambrandonn/evalgen/internal/fsutil"
	"github.com/iambrandonn/evalgen/internal/protocol"
)

// FileName is the config file looked up from the working directory upward
const FileName = "evalgen.json"

// EnvPrefix prefixes environment overrides, e.g. EVALGEN_SEARCH_DEPTH
const EnvPrefix = "EVALGEN"

// Config represents the evalgen.json configuration file
type Config struct {
	Version         string           `json:"version" mapstructure:"version"`
	Engine          Engine           `json:"engine" mapstructure:"engine"`
	Search          Search           `json:"search" mapstructure:"search"`
	Timeouts        Timeouts         `json:"timeouts" mapstructure:"timeouts"`
	Retry           Retry            `json:"retry" mapstructure:"retry"`
	Protocol        protocol.Markers `json:"protocol" mapstructure:"protocol"`
	Progress        Progress         `json:"progress" mapstructure:"progress"`
	StateDir        string           `json:"state_dir" mapstructure:"state_dir"`
	Transcript      string           `json:"transcript,omitempty" mapstructure:"transcript"`
	CheckpointEvery int              `json:"checkpoint_every" mapstructure:"checkpoint_every"`
	LogLevel        string           `json:"log_level" mapstructure:"log_level"`
}

// Engine describes how to spawn the engine
type Engine struct {
	Cmd []string          `json:"cmd" mapstructure:"cmd"`
	Env map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// Search holds the per-position analysis parameters
type Search struct {
	Depth int `json:"depth" mapstructure:"depth"`
	// RecordOption is sent as "setoption <RecordOption>" after every spawn.
	RecordOption string `json:"record_option" mapstructure:"record_option"`
}

// Timeouts are all in milliseconds
type Timeouts struct {
	HandshakeMs int `json:"handshake_ms" mapstructure:"handshake_ms"`
	GoMs        int `json:"go_ms" mapstructure:"go_ms"`
	ResponseMs  int `json:"response_ms" mapstructure:"response_ms"`
	TerminateMs int `json:"terminate_ms" mapstructure:"terminate_ms"`
	ShutdownMs  int `json:"shutdown_ms" mapstructure:"shutdown_ms"`
}

func (t Timeouts) Handshake() time.Duration { return ms(t.HandshakeMs) }
func (t Timeouts) Go() time.Duration        { return ms(t.GoMs) }
func (t Timeouts) Response() time.Duration  { return ms(t.ResponseMs) }
func (t Timeouts) Terminate() time.Duration { return ms(t.TerminateMs) }
func (t Timeouts) Shutdown() time.Duration  { return ms(t.ShutdownMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Retry bounds the resends of a stalled go command
type Retry struct {
	MaxGoResends int `json:"max_go_resends" mapstructure:"max_go_resends"`
}

// Progress controls the progress bar side-channel
type Progress struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Every   int  `json:"every" mapstructure:"every"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Engine: Engine{
			Cmd: []string{"../NapoleonPP"},
			Env: map[string]string{},
		},
		Search: Search{
			Depth:        8,
			RecordOption: protocol.RecordOption,
		},
		Timeouts: Timeouts{
			HandshakeMs: 5000,
			GoMs:        1000,
			ResponseMs:  5000,
			TerminateMs: 5000,
			ShutdownMs:  10000,
		},
		Retry: Retry{
			MaxGoResends: 5,
		},
		Protocol: protocol.DefaultMarkers(),
		Progress: Progress{
			Enabled: false,
			Every:   100,
		},
		StateDir:        ".evalgen",
		CheckpointEvery: 100,
		LogLevel:        "info",
	}
}

// FlagKeys maps command-line flag names to config keys. Flags missing from
// the flag set passed to Load are ignored.
var FlagKeys = map[string]string{
	"engine":      "engine.cmd",
	"depth":       "search.depth",
	"max-retries": "retry.max_go_resends",
	"progress":    "progress.enabled",
	"transcript":  "transcript",
	"state-dir":   "state_dir",
	"log-level":   "log_level",
}

// Load builds the configuration from, lowest precedence first: defaults,
// the config file, EVALGEN_* environment variables and changed flags.
// An empty path searches for evalgen.json from the working directory
// upward; no file is fine. The returned path is the file used, if any.
func Load(path string, flags *pflag.FlagSet) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, GenerateDefault())

	if path == "" {
		found, err := fsutil.FindUp(".", FileName)
		switch {
		case err == nil:
			path = found
		case !errors.Is(err, fs.ErrNotExist):
			return nil, "", fmt.Errorf("failed to look for %s: %w", FileName, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.Engine.Env == nil {
		cfg.Engine.Env = map[string]string{}
	}

	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("engine.cmd", d.Engine.Cmd)
	v.SetDefault("engine.env", d.Engine.Env)
	v.SetDefault("search.depth", d.Search.Depth)
	v.SetDefault("search.record_option", d.Search.RecordOption)
	v.SetDefault("timeouts.handshake_ms", d.Timeouts.HandshakeMs)
	v.SetDefault("timeouts.go_ms", d.Timeouts.GoMs)
	v.SetDefault("timeouts.response_ms", d.Timeouts.ResponseMs)
	v.SetDefault("timeouts.terminate_ms", d.Timeouts.TerminateMs)
	v.SetDefault("timeouts.shutdown_ms", d.Timeouts.ShutdownMs)
	v.SetDefault("retry.max_go_resends", d.Retry.MaxGoResends)
	v.SetDefault("protocol.info_prefix", d.Protocol.Info)
	v.SetDefault("protocol.success_prefix", d.Protocol.Success)
	v.SetDefault("protocol.failure_prefix", d.Protocol.Failure)
	v.SetDefault("progress.enabled", d.Progress.Enabled)
	v.SetDefault("progress.every", d.Progress.Every)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("transcript", d.Transcript)
	v.SetDefault("checkpoint_every", d.CheckpointEvery)
	v.SetDefault("log_level", d.LogLevel)
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Engine.Cmd) == 0 || strings.TrimSpace(c.Engine.Cmd[0]) == "" {
		return fmt.Errorf("configuration error: 'engine.cmd' is empty\n\nHint: Point it at the engine executable:\n  \"engine\": {\n    \"cmd\": [\"../NapoleonPP\"]\n  }\nor pass --engine /path/to/engine")
	}

	if c.Search.Depth < 1 {
		return fmt.Errorf("configuration error: invalid 'search.depth' value: %d\n\nHint: Depth must be at least 1, e.g. --depth 8", c.Search.Depth)
	}

	timeouts := []struct {
		key string
		ms  int
	}{
		{"handshake_ms", c.Timeouts.HandshakeMs},
		{"go_ms", c.Timeouts.GoMs},
		{"response_ms", c.Timeouts.ResponseMs},
		{"terminate_ms", c.Timeouts.TerminateMs},
		{"shutdown_ms", c.Timeouts.ShutdownMs},
	}
	for _, t := range timeouts {
		if t.ms <= 0 {
			return fmt.Errorf("configuration error: invalid 'timeouts.%s' value: %d\n\nHint: Timeouts are positive millisecond counts", t.key, t.ms)
		}
	}

	if c.Retry.MaxGoResends < 0 {
		return fmt.Errorf("configuration error: invalid 'retry.max_go_resends' value: %d\n\nHint: Use 0 to never resend go", c.Retry.MaxGoResends)
	}

	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w\n\nHint: Set distinct prefixes, e.g.\n  \"protocol\": {\n    \"info_prefix\": \"info\",\n    \"success_prefix\": \"bestmove\",\n    \"failure_prefix\": \"Position\"\n  }", err)
	}

	if c.Progress.Every < 1 {
		return fmt.Errorf("configuration error: invalid 'progress.every' value: %d\n\nHint: Render progress every N >= 1 positions", c.Progress.Every)
	}

	if c.CheckpointEvery < 1 {
		return fmt.Errorf("configuration error: invalid 'checkpoint_every' value: %d\n\nHint: Checkpoint every N >= 1 positions", c.CheckpointEvery)
	}

	if c.StateDir == "" {
		return fmt.Errorf("configuration error: missing 'state_dir'\n\nHint: Run state is kept there, e.g.\n  \"state_dir\": \".evalgen\"")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("configuration error: %w\n\nHint: Use one of debug, info, warn, error", err)
	}

	return nil
}

// SaveToFile writes the configuration as indented JSON with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
