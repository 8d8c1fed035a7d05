// Package config loads the byteflusher settings file. YAML is the default
// format; a path ending in .toml is read as TOML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/psboot"
	"github.com/chaz8081/byteflusher/internal/textflush"
	"github.com/chaz8081/byteflusher/internal/transfer"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device" toml:"device"`
	File     FileConfig    `yaml:"file" toml:"file"`
	Text     TextConfig    `yaml:"text" toml:"text"`
	Hotkey   HotkeyConfig  `yaml:"hotkey" toml:"hotkey"`
	Inject   InjectConfig  `yaml:"inject" toml:"inject"`
	History  HistoryConfig `yaml:"history" toml:"history"`
	LogLevel string        `yaml:"log_level" toml:"log_level"`
}

// DeviceConfig selects and connects to the ByteFlusher device.
type DeviceConfig struct {
	Address        string `yaml:"address" toml:"address"` // empty scans for the strongest device
	ScanTimeoutSec int    `yaml:"scan_timeout_sec" toml:"scan_timeout_sec"`
	ToggleKey      string `yaml:"toggle_key" toml:"toggle_key"`
}

// FileConfig holds file transfer settings. Delays are milliseconds.
type FileConfig struct {
	TargetDir        string `yaml:"target_dir" toml:"target_dir"`
	Overwrite        string `yaml:"overwrite" toml:"overwrite"` // "fail", "overwrite" or "backup"
	DiagLog          bool   `yaml:"diag_log" toml:"diag_log"`
	KeyDelayMs       int    `yaml:"key_delay_ms" toml:"key_delay_ms"`
	LineDelayMs      int    `yaml:"line_delay_ms" toml:"line_delay_ms"`
	CommandDelayMs   int    `yaml:"command_delay_ms" toml:"command_delay_ms"`
	ChunkChars       int    `yaml:"chunk_chars" toml:"chunk_chars"`
	ChunkDelayMs     int    `yaml:"chunk_delay_ms" toml:"chunk_delay_ms"`
	RunDialogDelayMs int    `yaml:"run_dialog_delay_ms" toml:"run_dialog_delay_ms"`
	PSLaunchDelayMs  int    `yaml:"ps_launch_delay_ms" toml:"ps_launch_delay_ms"`
	BootstrapDelayMs int    `yaml:"bootstrap_delay_ms" toml:"bootstrap_delay_ms"`
	GuardNormal      int    `yaml:"guard_normal" toml:"guard_normal"` // filler characters before a line
	GuardStrong      int    `yaml:"guard_strong" toml:"guard_strong"`
}

// TextConfig holds text flush settings. Delays are milliseconds.
type TextConfig struct {
	TypingDelayMs     int    `yaml:"typing_delay_ms" toml:"typing_delay_ms"`
	ModeSwitchDelayMs int    `yaml:"mode_switch_delay_ms" toml:"mode_switch_delay_ms"`
	KeyPressDelayMs   int    `yaml:"key_press_delay_ms" toml:"key_press_delay_ms"`
	ChunkSize         int    `yaml:"chunk_size" toml:"chunk_size"`
	ChunkDelayMs      int    `yaml:"chunk_delay_ms" toml:"chunk_delay_ms"`
	RetryDelayMs      int    `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
	TrimIndent        bool   `yaml:"trim_indent" toml:"trim_indent"`
	Replacement       string `yaml:"replacement" toml:"replacement"`
}

// HotkeyConfig holds the global pause and stop hotkeys.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Pause   []string `yaml:"pause" toml:"pause"` // toggles pause/resume
	Stop    []string `yaml:"stop" toml:"stop"`
}

// InjectConfig holds local rehearsal settings.
type InjectConfig struct {
	Method string `yaml:"method" toml:"method"` // "type" or "paste"
}

// HistoryConfig holds the run history database location.
type HistoryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "byteflusher")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	fs := transfer.DefaultSettings()
	ts := textflush.DefaultOptions()
	lf := psboot.DefaultLineFormat()

	return &Config{
		Device: DeviceConfig{
			ScanTimeoutSec: 10,
			ToggleKey:      protocol.ToggleRightAlt.String(),
		},
		File: FileConfig{
			TargetDir:        fs.TargetDir,
			Overwrite:        string(fs.Overwrite),
			DiagLog:          fs.DiagLog,
			KeyDelayMs:       fs.KeyDelayMs,
			LineDelayMs:      fs.LineDelayMs,
			CommandDelayMs:   fs.CommandDelayMs,
			ChunkChars:       fs.ChunkChars,
			ChunkDelayMs:     fs.ChunkDelayMs,
			RunDialogDelayMs: fs.RunDialogDelayMs,
			PSLaunchDelayMs:  fs.PSLaunchDelayMs,
			BootstrapDelayMs: fs.BootstrapDelayMs,
			GuardNormal:      lf.Normal,
			GuardStrong:      lf.Strong,
		},
		Text: TextConfig{
			TypingDelayMs:     ts.TypingDelayMs,
			ModeSwitchDelayMs: ts.ModeSwitchDelayMs,
			KeyPressDelayMs:   ts.KeyPressDelayMs,
			ChunkSize:         ts.ChunkSize,
			ChunkDelayMs:      ts.ChunkDelayMs,
			RetryDelayMs:      ts.RetryDelayMs,
			Replacement:       ts.Replacement,
		},
		Hotkey: HotkeyConfig{
			Pause: []string{"ctrl", "shift", "p"},
			Stop:  []string{"ctrl", "shift", "x"},
		},
		Inject: InjectConfig{
			Method: "type",
		},
		History: HistoryConfig{
			Path: filepath.Join(home, ".local", "share", "byteflusher", "history.db"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a config file. Missing fields are filled with
// defaults and out-of-range numbers are clamped. Tilde (~) in
// history.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.History.Path = expandTilde(cfg.History.Path)
	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps numeric settings into their supported ranges.
func (c *Config) Normalize() {
	fs := c.fileSettings().Normalize()
	c.File.TargetDir = fs.TargetDir
	c.File.Overwrite = string(fs.Overwrite)
	c.File.KeyDelayMs = fs.KeyDelayMs
	c.File.LineDelayMs = fs.LineDelayMs
	c.File.CommandDelayMs = fs.CommandDelayMs
	c.File.ChunkChars = fs.ChunkChars
	c.File.ChunkDelayMs = fs.ChunkDelayMs
	c.File.RunDialogDelayMs = fs.RunDialogDelayMs
	c.File.PSLaunchDelayMs = fs.PSLaunchDelayMs
	c.File.BootstrapDelayMs = fs.BootstrapDelayMs

	lf := c.LineFormat()
	c.File.GuardNormal, c.File.GuardStrong = lf.Normal, lf.Strong

	ts := c.textOptions().Normalize()
	c.Text.TypingDelayMs = ts.TypingDelayMs
	c.Text.ModeSwitchDelayMs = ts.ModeSwitchDelayMs
	c.Text.KeyPressDelayMs = ts.KeyPressDelayMs
	c.Text.ChunkSize = ts.ChunkSize
	c.Text.ChunkDelayMs = ts.ChunkDelayMs
	c.Text.RetryDelayMs = ts.RetryDelayMs
	c.Text.Replacement = ts.Replacement

	if c.Device.ScanTimeoutSec <= 0 {
		c.Device.ScanTimeoutSec = 10
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := protocol.ParseToggleKey(c.Device.ToggleKey); err != nil {
		return fmt.Errorf("device.toggle_key: %w", err)
	}

	if _, err := psboot.ParseOverwritePolicy(c.File.Overwrite); err != nil {
		return fmt.Errorf("file.overwrite must be fail, overwrite or backup, got %q", c.File.Overwrite)
	}

	if err := psboot.ValidateTargetDir(c.File.TargetDir); err != nil {
		return fmt.Errorf("file.target_dir: %w", err)
	}

	if c.Hotkey.Enabled && (len(c.Hotkey.Pause) == 0 || len(c.Hotkey.Stop) == 0) {
		return fmt.Errorf("hotkey.pause and hotkey.stop must not be empty when hotkeys are enabled")
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func (c *Config) fileSettings() transfer.Settings {
	toggle, _ := protocol.ParseToggleKey(c.Device.ToggleKey)
	policy, err := psboot.ParseOverwritePolicy(c.File.Overwrite)
	if err != nil {
		// Kept as written so Validate reports it.
		policy = psboot.OverwritePolicy(c.File.Overwrite)
	}
	return transfer.Settings{
		KeyDelayMs:       c.File.KeyDelayMs,
		LineDelayMs:      c.File.LineDelayMs,
		CommandDelayMs:   c.File.CommandDelayMs,
		ChunkChars:       c.File.ChunkChars,
		ChunkDelayMs:     c.File.ChunkDelayMs,
		RunDialogDelayMs: c.File.RunDialogDelayMs,
		PSLaunchDelayMs:  c.File.PSLaunchDelayMs,
		BootstrapDelayMs: c.File.BootstrapDelayMs,
		TargetDir:        c.File.TargetDir,
		Overwrite:        policy,
		DiagLog:          c.File.DiagLog,
		ToggleKey:        toggle,
	}
}

func (c *Config) textOptions() textflush.Options {
	toggle, _ := protocol.ParseToggleKey(c.Device.ToggleKey)
	return textflush.Options{
		TypingDelayMs:     c.Text.TypingDelayMs,
		ModeSwitchDelayMs: c.Text.ModeSwitchDelayMs,
		KeyPressDelayMs:   c.Text.KeyPressDelayMs,
		ChunkSize:         c.Text.ChunkSize,
		ChunkDelayMs:      c.Text.ChunkDelayMs,
		RetryDelayMs:      c.Text.RetryDelayMs,
		ToggleKey:         toggle,
		TrimIndent:        c.Text.TrimIndent,
		Replacement:       c.Text.Replacement,
	}
}

// FileSettings returns the validated file transfer settings.
func (c *Config) FileSettings() (transfer.Settings, error) {
	s := c.fileSettings().Normalize()
	if err := s.Validate(); err != nil {
		return transfer.Settings{}, err
	}
	return s, nil
}

// TextOptions returns the text flush options.
func (c *Config) TextOptions() textflush.Options {
	return c.textOptions().Normalize()
}

// LineFormat returns the guarded line format for typed console lines.
func (c *Config) LineFormat() psboot.LineFormat {
	return psboot.LineFormat{Filler: ';', Normal: c.File.GuardNormal, Strong: c.File.GuardStrong}.Normalize()
}

// ParseLogLevel converts a log level string to slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

const defaultHeader = `# byteflusher configuration
# Delays are in milliseconds. Out-of-range values are clamped on load.
# Edits are picked up by the next run while the shell is open.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
