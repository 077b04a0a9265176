// internal/config/config.go
//
// This package handles configuration and the .storyloom directory structure.
// Every project that uses storyloom gets a .storyloom/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectDirName is the name of the directory we create in each project
	ProjectDirName = ".storyloom"

	// EnvPrefix marks environment variables that override config.yaml keys.
	EnvPrefix = "STORYLOOM_"

	defaultLanguage   = "en"
	defaultWorkers    = 3
	maxWorkers        = 16
	defaultSigil      = "!"
	defaultLogLimit   = 5
	defaultExporter   = "none"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	defaultBridgeHost = "127.0.0.1"
	defaultBridgePort = 8765
)

const defaultProjectConfigYAML = `# storyloom project configuration
version: 1

# Language used when seeding the default sub-agent roles (en, es; others fall back to en).
language: en

subagents:
  # Background jobs running at the same time. Extra submissions wait in a FIFO queue.
  workers: 3
  sigil: "!"
  loglimit: 5

# External generator invoked for module commands. Leave command empty to use the
# built-in echo runner, which only describes the invocation.
generator:
  command: ""
  args: []
  # timeout: 10m

bridge:
  enabled: false
  host: 127.0.0.1
  port: 8765

telemetry:
  exporter: none
  # endpoint: localhost:4317
  # insecure: true

log:
  level: info
  format: text

history:
  enabled: true

events:
  file: true
`

// SubAgentsConfig tunes the background job manager.
type SubAgentsConfig struct {
	Workers  int    `koanf:"workers" yaml:"workers"`
	Sigil    string `koanf:"sigil" yaml:"sigil"`
	LogLimit int    `koanf:"loglimit" yaml:"loglimit"`
}

// GeneratorConfig describes the external module-command binary.
type GeneratorConfig struct {
	Command string   `koanf:"command" yaml:"command"`
	Args    []string `koanf:"args" yaml:"args,omitempty"`
	Timeout string   `koanf:"timeout" yaml:"timeout,omitempty"`
}

// BridgeConfig controls the HTTP status bridge.
type BridgeConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Host    string `koanf:"host" yaml:"host"`
	Port    int    `koanf:"port" yaml:"port"`
}

// TelemetryConfig selects the OpenTelemetry exporter.
type TelemetryConfig struct {
	Exporter string `koanf:"exporter" yaml:"exporter"`
	Endpoint string `koanf:"endpoint" yaml:"endpoint,omitempty"`
	Insecure bool   `koanf:"insecure" yaml:"insecure,omitempty"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// HistoryConfig toggles the SQLite job history.
type HistoryConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// EventsConfig toggles the JSONL event file.
type EventsConfig struct {
	File bool `koanf:"file" yaml:"file"`
}

// ProjectConfig models .storyloom/config.yaml.
type ProjectConfig struct {
	Version   int             `koanf:"version" yaml:"version"`
	Language  string          `koanf:"language" yaml:"language"`
	SubAgents SubAgentsConfig `koanf:"subagents" yaml:"subagents"`
	Generator GeneratorConfig `koanf:"generator" yaml:"generator"`
	Bridge    BridgeConfig    `koanf:"bridge" yaml:"bridge"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	History   HistoryConfig   `koanf:"history" yaml:"history"`
	Events    EventsConfig    `koanf:"events" yaml:"events"`
}

// Config holds the runtime configuration for one project.
type Config struct {
	// ProjectDir is the directory storyloom was pointed at (the book root)
	ProjectDir string

	// StateDir is ProjectDir/.storyloom
	StateDir string

	Project ProjectConfig
}

// InitProjectDir creates the .storyloom directory structure in the given project directory.
//
// Structure created:
// .storyloom/
// ├── config.yaml
// ├── subagents/      <- Role definitions
// │   └── logs/       <- Per-role job logs
// └── logs/           <- Application log and session journal
func InitProjectDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, ProjectDirName)
	dirs := []string{
		filepath.Join(stateDir, "subagents"),
		filepath.Join(stateDir, "subagents", "logs"),
		filepath.Join(stateDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// NewConfig loads .storyloom/config.yaml (when present) layered over defaults
// and STORYLOOM_* environment overrides.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", projectDir, err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SubAgentsDir returns the directory holding role definition files.
func (c *Config) SubAgentsDir() string {
	return filepath.Join(c.StateDir, "subagents")
}

// SubAgentLogsDir returns the root of the per-role job log directories.
func (c *Config) SubAgentLogsDir() string {
	return filepath.Join(c.SubAgentsDir(), "logs")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// JournalPath returns the session journal written by the chat front-end.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "session.log")
}

// EventsPath returns the JSONL file editor integrations tail.
func (c *Config) EventsPath() string {
	return filepath.Join(c.StateDir, "events.jsonl")
}

// HistoryPath returns the SQLite job history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "jobs.db")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// Language returns the primary project language.
func (c *Config) Language() string {
	return c.Project.Language
}

// GeneratorTimeout returns the per-command timeout, or zero when unbounded.
func (c *Config) GeneratorTimeout() time.Duration {
	d, err := parseTimeout(c.Project.Generator.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// SetLanguage updates the primary language and persists the value back to
// .storyloom/config.yaml.
func (c *Config) SetLanguage(lang string) error {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return fmt.Errorf("config: language is required")
	}
	c.Project.Language = lang
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	k := koanf.New(".")
	defaults := defaultProjectConfig()
	for key, value := range map[string]any{
		"version":            defaults.Version,
		"language":           defaults.Language,
		"subagents.workers":  defaults.SubAgents.Workers,
		"subagents.sigil":    defaults.SubAgents.Sigil,
		"subagents.loglimit": defaults.SubAgents.LogLimit,
		"generator.command":  defaults.Generator.Command,
		"bridge.enabled":     defaults.Bridge.Enabled,
		"bridge.host":        defaults.Bridge.Host,
		"bridge.port":        defaults.Bridge.Port,
		"telemetry.exporter": defaults.Telemetry.Exporter,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"history.enabled":    defaults.History.Enabled,
		"events.file":        defaults.Events.File,
	} {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("config: default %s: %w", key, err)
		}
	}

	path := c.ProjectConfigPath()
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}

	// STORYLOOM_SUBAGENTS_WORKERS -> subagents.workers
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	var parsed ProjectConfig
	if err := k.Unmarshal("", &parsed); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:  1,
		Language: defaultLanguage,
		SubAgents: SubAgentsConfig{
			Workers:  defaultWorkers,
			Sigil:    defaultSigil,
			LogLimit: defaultLogLimit,
		},
		Bridge: BridgeConfig{
			Host: defaultBridgeHost,
			Port: defaultBridgePort,
		},
		Telemetry: TelemetryConfig{Exporter: defaultExporter},
		Log:       LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		History:   HistoryConfig{Enabled: true},
		Events:    EventsConfig{File: true},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.SubAgents.Workers == 0 {
		pc.SubAgents.Workers = defaultWorkers
	}
	if pc.SubAgents.LogLimit <= 0 {
		pc.SubAgents.LogLimit = defaultLogLimit
	}
	if pc.Bridge.Port == 0 {
		pc.Bridge.Port = defaultBridgePort
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Language = strings.ToLower(strings.TrimSpace(pc.Language))
	if pc.Language == "" {
		pc.Language = defaultLanguage
	}
	pc.SubAgents.Sigil = strings.TrimSpace(pc.SubAgents.Sigil)
	if pc.SubAgents.Sigil == "" {
		pc.SubAgents.Sigil = defaultSigil
	}
	pc.Generator.Command = strings.TrimSpace(pc.Generator.Command)
	pc.Generator.Timeout = strings.TrimSpace(pc.Generator.Timeout)
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
	if pc.Bridge.Host == "" {
		pc.Bridge.Host = defaultBridgeHost
	}
	pc.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(pc.Telemetry.Exporter))
	if pc.Telemetry.Exporter == "" {
		pc.Telemetry.Exporter = defaultExporter
	}
	pc.Telemetry.Endpoint = strings.TrimSpace(pc.Telemetry.Endpoint)
	pc.Log.Level = strings.ToLower(strings.TrimSpace(pc.Log.Level))
	if pc.Log.Level == "" {
		pc.Log.Level = defaultLogLevel
	}
	pc.Log.Format = strings.ToLower(strings.TrimSpace(pc.Log.Format))
	if pc.Log.Format == "" {
		pc.Log.Format = defaultLogFormat
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.SubAgents.Workers < 1 || pc.SubAgents.Workers > maxWorkers {
		return fmt.Errorf("subagents.workers must be between 1 and %d", maxWorkers)
	}
	sigil := []rune(pc.SubAgents.Sigil)
	if len(sigil) != 1 {
		return fmt.Errorf("subagents.sigil must be a single character")
	}
	if unicode.IsLetter(sigil[0]) || unicode.IsDigit(sigil[0]) {
		return fmt.Errorf("subagents.sigil must not be a letter or digit")
	}
	if _, err := parseTimeout(pc.Generator.Timeout); err != nil {
		return fmt.Errorf("generator.timeout: %w", err)
	}
	if pc.Bridge.Port < 1 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be between 1 and 65535")
	}
	switch pc.Telemetry.Exporter {
	case "none", "stdout":
	case "otlp":
		if pc.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter must be 'none', 'stdout', or 'otlp'")
	}
	switch pc.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	return nil
}

func parseTimeout(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
