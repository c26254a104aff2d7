package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models warroom.yml.
type Config struct {
	Coordinator struct {
		AutoExecute bool   `yaml:"auto_execute"`
		DefaultPlan string `yaml:"default_plan"`
	} `yaml:"coordinator"`
	Scheduler struct {
		StaticMax     int           `yaml:"static_max"`
		MaxAttempts   int           `yaml:"max_attempts"`
		BaseBackoffMS int           `yaml:"base_backoff_ms"`
		MaxBackoff    time.Duration `yaml:"max_backoff"`
	} `yaml:"scheduler"`
	Monitor struct {
		Interval     time.Duration `yaml:"interval"`
		MaxParallel  int           `yaml:"max_parallel"`
		MinParallel  int           `yaml:"min_parallel"`
		CPUThreshold float64       `yaml:"cpu_threshold"`
		MemThreshold float64       `yaml:"mem_threshold"`
	} `yaml:"monitor"`
	Router struct {
		WindowSize         int           `yaml:"window_size"`
		WarnRate           float64       `yaml:"warn_rate"`
		CriticalRate       float64       `yaml:"critical_rate"`
		CircuitBreakerRate float64       `yaml:"circuit_breaker_rate"`
		Cooldown           time.Duration `yaml:"cooldown"`
		CloseSuccesses     int           `yaml:"close_successes"`
	} `yaml:"router"`
	RateLimit struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
		Wait  bool    `yaml:"wait"`
	} `yaml:"ratelimit"`
	Pool struct {
		Size           int           `yaml:"size"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
		CheckInterval  time.Duration `yaml:"check_interval"`
	} `yaml:"pool"`
	Tracker struct {
		BaseURL     string `yaml:"base_url"`
		Destination string `yaml:"destination"`
	} `yaml:"tracker"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Coordinator.AutoExecute = true
	cfg.Coordinator.DefaultPlan = "feature"
	cfg.Scheduler.StaticMax = 4
	cfg.Scheduler.MaxAttempts = 3
	cfg.Scheduler.BaseBackoffMS = 500
	cfg.Scheduler.MaxBackoff = 10 * time.Second
	cfg.Monitor.Interval = 2 * time.Second
	cfg.Monitor.MinParallel = 1
	cfg.Monitor.CPUThreshold = 80
	cfg.Monitor.MemThreshold = 85
	cfg.Router.WindowSize = 200
	cfg.Router.WarnRate = 0.1
	cfg.Router.CriticalRate = 0.3
	cfg.Router.CircuitBreakerRate = 0.5
	cfg.Router.Cooldown = 30 * time.Second
	cfg.Router.CloseSuccesses = 3
	cfg.RateLimit.Rate = 10
	cfg.RateLimit.Burst = 20
	cfg.RateLimit.Wait = true
	cfg.Pool.Size = 4
	cfg.Pool.AcquireTimeout = 5 * time.Second
	cfg.Pool.CheckInterval = 30 * time.Second
	cfg.Tracker.Destination = "tracker"
	cfg.Server.Addr = ":7777"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.StaticMax < 1 {
		return fmt.Errorf("config.scheduler.static_max must be >= 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("config.scheduler.max_attempts must be >= 1")
	}
	if c.Monitor.MinParallel < 1 {
		return fmt.Errorf("config.monitor.min_parallel must be >= 1")
	}
	if c.Monitor.MaxParallel != 0 && c.Monitor.MaxParallel < c.Monitor.MinParallel {
		return fmt.Errorf("config.monitor.max_parallel must be >= min_parallel")
	}
	if !(c.Router.WarnRate < c.Router.CriticalRate && c.Router.CriticalRate < c.Router.CircuitBreakerRate) {
		return fmt.Errorf("config.router rates must satisfy warn < critical < circuit_breaker")
	}
	if c.Router.CircuitBreakerRate > 1 {
		return fmt.Errorf("config.router.circuit_breaker_rate must be <= 1")
	}
	if c.RateLimit.Rate <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("config.ratelimit requires positive rate and burst")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("config.pool.size must be >= 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warroom.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields the
// document omits keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// SaveDB upserts the config into the workspace database so a server started
// against the same workspace runs with the imported settings.
func SaveDB(ctx context.Context, db *sql.DB, c *Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.ExecContext(ctx, `INSERT INTO workspace_config(id,config_yaml,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, string(data), now, now)
	return err
}

// LoadDB returns the stored config, or nil when none was imported.
func LoadDB(ctx context.Context, db *sql.DB) (*Config, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT config_yaml FROM workspace_config WHERE id=1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return FromYAML([]byte(data))
}
