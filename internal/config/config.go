package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/dillendev/up/internal/logger"
)

// DefaultPath is read when no file is given on the command line.
const DefaultPath = ".dev/up.toml"

// EnvPrefix prefixes environment overrides, e.g. UP_SETTINGS_WAIT=5s.
const EnvPrefix = "UP"

// Config is a loaded and validated up document.
type Config struct {
	Path     string
	Vars     map[string]string
	Settings Settings
	Log      LogConfig
	Metrics  MetricsConfig
	// Services in document order.
	Services []ServiceConfig
}

type Settings struct {
	Root            string        `mapstructure:"root"`
	Wait            time.Duration `mapstructure:"wait"`
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Textfile         string        `mapstructure:"textfile"`
	Resources        bool          `mapstructure:"resources"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

type ServiceConfig struct {
	Name  string   `toml:"-"`
	Cmd   string   `toml:"cmd"`
	Watch []string `toml:"watch"`
	Env   []string `toml:"env"`
}

// LoggerConfig maps the [log] table and the log level onto logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level: c.Settings.LogLevel,
		File: logger.FileConfig{
			Path:       c.Log.File,
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// document is the strict shape of the file. Settings-like tables are
// decoded through viper so that env vars and flags can override them; here
// they are only checked for unknown keys.
type document struct {
	Vars     map[string]string        `toml:"vars"`
	Settings map[string]any           `toml:"settings"`
	Log      map[string]any           `toml:"log"`
	Metrics  map[string]any           `toml:"metrics"`
	Service  map[string]ServiceConfig `toml:"service"`
}

// layered is what viper produces after defaults, file, env and flags.
type layered struct {
	Settings Settings      `mapstructure:"settings"`
	Log      LogConfig     `mapstructure:"log"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

var knownKeys = map[string][]string{
	"settings": {"root", "wait", "restart_cooldown", "stop_timeout", "log_level"},
	"log":      {"file", "dir", "max_size_mb", "max_backups", "max_age_days", "compress"},
	"metrics":  {"textfile", "resources", "resource_interval"},
}

// SetDefaults registers the default of every layered key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("settings.root", ".")
	v.SetDefault("settings.wait", 3*time.Second)
	v.SetDefault("settings.restart_cooldown", time.Second)
	v.SetDefault("settings.stop_timeout", 10*time.Second)
	v.SetDefault("settings.log_level", "info")

	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.resources", false)
	v.SetDefault("metrics.resource_interval", 5*time.Second)
}

// Load reads and validates the document at path. v carries flag bindings
// made by the caller and may be nil.
func Load(path string, v *viper.Viper) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, v)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates a document held in memory.
func Parse(data []byte, v *viper.Viper) (*Config, error) {
	var doc document
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return nil, fmt.Errorf("unknown keys: %s", sme.String())
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	for table, keys := range map[string]map[string]any{"settings": doc.Settings, "log": doc.Log, "metrics": doc.Metrics} {
		if err := checkKeys(table, keys); err != nil {
			return nil, err
		}
	}

	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var l layered
	if err := v.Unmarshal(&l); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	order, err := serviceOrder(data)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg := &Config{
		Vars:     doc.Vars,
		Settings: l.Settings,
		Log:      l.Log,
		Metrics:  l.Metrics,
	}
	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}
	for _, name := range orderedNames(order, doc.Service) {
		svc := doc.Service[name]
		svc.Name = name
		cfg.Services = append(cfg.Services, svc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the semantic constraints the decoder cannot express.
func (c *Config) Validate() error {
	if c.Settings.Root == "" {
		return errors.New("settings.root must not be empty")
	}
	durations := map[string]time.Duration{
		"settings.wait":             c.Settings.Wait,
		"settings.restart_cooldown": c.Settings.RestartCooldown,
		"settings.stop_timeout":     c.Settings.StopTimeout,
	}
	if c.Metrics.Resources {
		durations["metrics.resource_interval"] = c.Metrics.ResourceInterval
	}
	for _, key := range []string{"settings.wait", "settings.restart_cooldown", "settings.stop_timeout", "metrics.resource_interval"} {
		if d, ok := durations[key]; ok && d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if _, err := logger.ParseLevel(c.Settings.LogLevel); err != nil {
		return fmt.Errorf("settings.log_level: %w", err)
	}

	for _, s := range c.Services {
		if err := s.validate(); err != nil {
			return fmt.Errorf("service %q: %w", s.Name, err)
		}
	}
	return nil
}

func (s ServiceConfig) validate() error {
	if s.Name == "" || strings.ContainsAny(s.Name, `/\`) {
		return errors.New("invalid name")
	}
	if strings.TrimSpace(s.Cmd) == "" {
		return errors.New("cmd must not be empty")
	}
	for i, p := range s.Watch {
		if p == "" || !doublestar.ValidatePattern(p) {
			return fmt.Errorf("watch[%d]: %w %q", i, doublestar.ErrBadPattern, p)
		}
	}
	for i, kv := range s.Env {
		if strings.IndexByte(kv, '=') <= 0 {
			return fmt.Errorf("env[%d]: expected KEY=VALUE, got %q", i, kv)
		}
	}
	return nil
}

func checkKeys(table string, got map[string]any) error {
	allowed := knownKeys[table]
	for k := range got {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown key %s.%s", table, k)
		}
	}
	return nil
}

// orderedNames lists every service: table headers in document order first,
// then any remaining services sorted by name.
func orderedNames(order []string, services map[string]ServiceConfig) []string {
	out := make([]string, 0, len(services))
	seen := make(map[string]bool, len(services))
	for _, name := range order {
		if _, ok := services[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var rest []string
	for name := range services {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
