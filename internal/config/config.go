// ABOUTME: Configuration loading and parsing for warren
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren configuration
type Config struct {
	Assistant Assistant `yaml:"assistant"`
	Data      Data      `yaml:"data"`
	Poll      Poll      `yaml:"poll"`
	Container Container `yaml:"container"`
	Queue     Queue     `yaml:"queue"`
	Scheduler Scheduler `yaml:"scheduler"`
	Logging   Logging   `yaml:"logging"`
}

// Assistant holds the assistant identity and trigger settings
type Assistant struct {
	// Name is prefixed onto every outbound message and forms the trigger phrase
	Name string `yaml:"name"`

	// MainFolder is the reserved folder name of the administrative group
	MainFolder string `yaml:"main_folder"`
}

// Data holds filesystem and database locations
type Data struct {
	// Dir is the state directory: database and ipc outboxes live here
	Dir string `yaml:"dir"`

	// GroupsDir holds one working directory per registered group
	GroupsDir string `yaml:"groups_dir"`

	// DatabasePathRaw overrides the default <dir>/warren.db location
	DatabasePathRaw string `yaml:"database_path"`
}

// Poll holds the intervals of the three polling loops
type Poll struct {
	Messages time.Duration `yaml:"-"`
	Mailbox  time.Duration `yaml:"-"`
	Tasks    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MessagesRaw string `yaml:"messages"`
	MailboxRaw  string `yaml:"mailbox"`
	TasksRaw    string `yaml:"tasks"`
}

// Container holds the agent container runtime settings
type Container struct {
	// Binary is the container runtime executable
	Binary string `yaml:"binary"`

	// Image is the default agent image; a group's ContainerConfig may override it
	Image string `yaml:"image"`

	// NamePrefix is prepended to every container name
	NamePrefix string `yaml:"name_prefix"`

	// Memory and CPUs are the default per-container resource limits
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`

	// Mounts are additional read-only binds in "src:dst" form
	Mounts []string `yaml:"mounts"`

	// OutputLimit caps captured agent output in bytes
	OutputLimit int64 `yaml:"output_limit"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// Queue holds execution queue limits
type Queue struct {
	// MaxConcurrent is the global ceiling on simultaneously running agents
	MaxConcurrent int64 `yaml:"max_concurrent"`

	ShutdownGrace    time.Duration `yaml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
}

// Scheduler holds task scheduler settings
type Scheduler struct {
	// Timezone is the IANA zone used to evaluate cron expressions
	Timezone string `yaml:"timezone"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file omits a value.
const (
	DefaultMainFolder    = "main"
	DefaultBinary        = "docker"
	DefaultNamePrefix    = "warren"
	DefaultOutputLimit   = 4 * 1024 * 1024
	DefaultMaxConcurrent = 3
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Assistant.MainFolder == "" {
		c.Assistant.MainFolder = DefaultMainFolder
	}
	if c.Container.Binary == "" {
		c.Container.Binary = DefaultBinary
	}
	if c.Container.NamePrefix == "" {
		c.Container.NamePrefix = DefaultNamePrefix
	}
	if c.Container.OutputLimit == 0 {
		c.Container.OutputLimit = DefaultOutputLimit
	}
	if c.Container.Timeout == 0 {
		c.Container.Timeout = 5 * time.Minute
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Queue.ShutdownGrace == 0 {
		c.Queue.ShutdownGrace = 10 * time.Second
	}
	if c.Poll.Messages == 0 {
		c.Poll.Messages = 2 * time.Second
	}
	if c.Poll.Mailbox == 0 {
		c.Poll.Mailbox = 5 * time.Second
	}
	if c.Poll.Tasks == 0 {
		c.Poll.Tasks = 30 * time.Second
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Assistant.Name == "" {
		return fmt.Errorf("assistant.name is required")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Data.GroupsDir == "" {
		return fmt.Errorf("data.groups_dir is required")
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image is required")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be at least 1")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return nil
}

// DatabasePath returns the configured database path or the default under data.dir.
func (c *Config) DatabasePath() string {
	if c.Data.DatabasePathRaw != "" {
		return c.Data.DatabasePathRaw
	}
	return filepath.Join(c.Data.Dir, "warren.db")
}

// IPCDir returns the root of the per-group mailbox outboxes.
func (c *Config) IPCDir() string {
	return filepath.Join(c.Data.Dir, "ipc")
}

// Location returns the scheduler timezone as a *time.Location.
// Validate has already confirmed the zone loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll.messages", cfg.Poll.MessagesRaw, &cfg.Poll.Messages},
		{"poll.mailbox", cfg.Poll.MailboxRaw, &cfg.Poll.Mailbox},
		{"poll.tasks", cfg.Poll.TasksRaw, &cfg.Poll.Tasks},
		{"container.timeout", cfg.Container.TimeoutRaw, &cfg.Container.Timeout},
		{"queue.shutdown_grace", cfg.Queue.ShutdownGraceRaw, &cfg.Queue.ShutdownGrace},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
