// Package config resolves server settings from defaults, an optional YAML
// file and RELAYSPACE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayspace/internal/logging"
	"github.com/agentworkforce/relayspace/internal/relayspace"
)

const EnvPrefix = "RELAYSPACE_"

type Config struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`

	// StateDSN selects the snapshot backend: a path, file://, memory:// or
	// postgres://. Empty means <data_dir>/database.json.
	StateDSN string `yaml:"state_dsn"`
	// FilesDir defaults to <data_dir>/files.
	FilesDir string `yaml:"files_dir"`

	Workers      int           `yaml:"workers"`
	IdleSleep    time.Duration `yaml:"idle_sleep"`
	BackupPeriod time.Duration `yaml:"backup_period"`

	MaxFileSize  int64 `yaml:"max_file_size"`
	PasswordCost int   `yaml:"password_cost"`

	AdminToken      string        `yaml:"admin_token"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
	MaxFrameBytes   int64         `yaml:"max_frame_bytes"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RequestRate     float64       `yaml:"request_rate"`
	RequestBurst    int           `yaml:"request_burst"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		DataDir:         "data",
		Workers:         4,
		IdleSleep:       5 * time.Millisecond,
		BackupPeriod:    relayspace.DefaultBackupPeriod,
		MaxFileSize:     relayspace.DefaultMaxFileSize,
		MaxFrameBytes:   1 << 20,
		RateLimitWindow: time.Minute,
		RequestRate:     50,
		RequestBurst:    100,
		WriteTimeout:    10 * time.Second,
		Log:             LogConfig{Level: "info", Format: logging.FormatJSON},
	}
}

// Load applies the YAML file at path (when non-empty), then the
// environment, then overrides over the defaults.
func Load(path string, lookup func(string) (string, bool), overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	cfg.resolvePaths()
	return cfg, cfg.Validate()
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from RELAYSPACE_* variables. Every malformed
// value is reported, not just the first.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	env.str("ADDR", &c.Addr)
	env.str("DATA_DIR", &c.DataDir)
	env.str("STATE_DSN", &c.StateDSN)
	env.str("FILES_DIR", &c.FilesDir)
	env.intVal("WORKERS", &c.Workers)
	env.duration("IDLE_SLEEP", &c.IdleSleep)
	env.duration("BACKUP_PERIOD", &c.BackupPeriod)
	env.int64Val("MAX_FILE_SIZE", &c.MaxFileSize)
	env.intVal("PASSWORD_COST", &c.PasswordCost)
	env.str("ADMIN_TOKEN", &c.AdminToken)
	env.list("ORIGIN_PATTERNS", &c.OriginPatterns)
	env.int64Val("MAX_FRAME_BYTES", &c.MaxFrameBytes)
	env.intVal("RATE_LIMIT_MAX", &c.RateLimitMax)
	env.duration("RATE_LIMIT_WINDOW", &c.RateLimitWindow)
	env.float("REQUEST_RATE", &c.RequestRate)
	env.intVal("REQUEST_BURST", &c.RequestBurst)
	env.duration("WRITE_TIMEOUT", &c.WriteTimeout)
	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)
	env.str("LOG_FILE", &c.Log.File)
	return env.err.ErrorOrNil()
}

func (c *Config) resolvePaths() {
	if c.FilesDir == "" {
		c.FilesDir = filepath.Join(c.DataDir, "files")
	}
	if c.StateDSN == "" {
		c.StateDSN = filepath.Join(c.DataDir, "database.json")
	}
}

func (c Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.Addr) == "" {
		result = multierror.Append(result, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		result = multierror.Append(result, errors.New("data_dir is required"))
	}
	if c.Workers <= 0 {
		result = multierror.Append(result, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.BackupPeriod <= 0 {
		result = multierror.Append(result, fmt.Errorf("backup_period must be positive, got %s", c.BackupPeriod))
	}
	if c.MaxFileSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_file_size must be positive, got %d", c.MaxFileSize))
	}
	if c.RequestRate < 0 || c.RequestBurst < 0 || c.RateLimitMax < 0 {
		result = multierror.Append(result, errors.New("rate limits must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return result.ErrorOrNil()
}

type envReader struct {
	lookup func(string) (string, bool)
	err    *multierror.Error
}

func (e *envReader) raw(name string) (string, bool) {
	value, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e *envReader) fail(name, value string, err error) {
	e.err = multierror.Append(e.err, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, value, err))
}

func (e *envReader) str(name string, dst *string) {
	if value, ok := e.raw(name); ok {
		*dst = value
	}
}

func (e *envReader) list(name string, dst *[]string) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) intVal(name string, dst *int) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.fail(name, value, err)
		return
	}
	*dst = parsed
}

func (e *envReader) int64Val(name string, dst *int64) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.fail(name, value, err)
		return
	}
	*dst = parsed
}

func (e *envReader) float(name string, dst *float64) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(name, value, err)
		return
	}
	*dst = parsed
}

func (e *envReader) duration(name string, dst *time.Duration) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.fail(name, value, err)
		return
	}
	*dst = parsed
}
