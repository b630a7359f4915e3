package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

type SandboxConfig struct {
	Backend      string        `mapstructure:"backend"`
	StagingDir   string        `mapstructure:"staging_dir"`
	ProfilesFile string        `mapstructure:"profiles_file"`
	MemoryBytes  int64         `mapstructure:"memory_bytes"`
	CPUPeriod    int64         `mapstructure:"cpu_period"`
	CPUQuota     int64         `mapstructure:"cpu_quota"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PullImages   bool          `mapstructure:"pull_images"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	ReapMaxAge   time.Duration `mapstructure:"reap_max_age"`
}

type QueueConfig struct {
	RedisAddr   string `mapstructure:"redis_addr"`
	Stream      string `mapstructure:"stream"`
	Group       string `mapstructure:"group"`
	LogsChannel string `mapstructure:"logs_channel"`
}

type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	RecoverInterval time.Duration `mapstructure:"recover_interval"`
	RecoverMaxAge   time.Duration `mapstructure:"recover_max_age"`
}

type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type CodegenConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Codegen   CodegenConfig   `mapstructure:"codegen"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads sandrun.yaml (optional) from the working directory or
// $HOME/.sandrun, then environment variables. SANDRUN_SANDBOX_BACKEND maps to
// sandbox.backend; PORT, REDIS_ADDR and GEMINI_API_KEY are honoured as well.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("sandrun")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sandrun")
	if path := os.Getenv("SANDRUN_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("sandrun")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"server.port":      "PORT",
		"queue.redis_addr": "REDIS_ADDR",
		"codegen.api_key":  "GEMINI_API_KEY",
	} {
		if err := v.BindEnv(key, "SANDRUN_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// teardownMargin covers container removal after a job times out.
const teardownMargin = 30 * time.Second

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.staging_dir", "temp")
	v.SetDefault("sandbox.profiles_file", "")
	v.SetDefault("sandbox.memory_bytes", 1<<30)
	v.SetDefault("sandbox.cpu_period", 100000)
	v.SetDefault("sandbox.cpu_quota", 100000)
	v.SetDefault("sandbox.timeout", 0)
	v.SetDefault("sandbox.pull_images", true)
	v.SetDefault("sandbox.reap_interval", 5*time.Minute)
	v.SetDefault("sandbox.reap_max_age", 15*time.Minute)

	v.SetDefault("queue.redis_addr", "")
	v.SetDefault("queue.stream", "sandrun:jobs")
	v.SetDefault("queue.group", "sandrun:workers")
	v.SetDefault("queue.logs_channel", "sandrun:logs")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.recover_interval", time.Minute)
	v.SetDefault("worker.recover_max_age", 5*time.Minute)

	v.SetDefault("ratelimit.rate", 0.5)
	v.SetDefault("ratelimit.burst", 5)

	v.SetDefault("codegen.api_key", "")
	v.SetDefault("codegen.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("codegen.model", "gemini-1.5-flash")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Sandbox.Backend {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.backend: unknown backend %q", c.Sandbox.Backend)
	}
	if c.Sandbox.MemoryBytes <= 0 || c.Sandbox.CPUPeriod <= 0 || c.Sandbox.CPUQuota <= 0 {
		return fmt.Errorf("sandbox: resource limits must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}

	// Anything younger than a job's full lifetime may still be in use.
	lifetime := c.ExecTimeout() + teardownMargin
	if c.Worker.RecoverInterval <= 0 {
		return fmt.Errorf("worker.recover_interval must be positive")
	}
	if c.Worker.RecoverMaxAge <= lifetime {
		return fmt.Errorf("worker.recover_max_age (%s) must exceed the job timeout plus %s (%s)",
			c.Worker.RecoverMaxAge, teardownMargin, lifetime)
	}
	if c.Sandbox.Backend == "docker" && c.Sandbox.ReapInterval > 0 && c.Sandbox.ReapMaxAge <= lifetime {
		return fmt.Errorf("sandbox.reap_max_age (%s) must exceed the job timeout plus %s (%s)",
			c.Sandbox.ReapMaxAge, teardownMargin, lifetime)
	}
	return nil
}

// KeepAliveInterval is how often a worker refreshes its in-flight entries.
func (c *Config) KeepAliveInterval() time.Duration {
	return c.Worker.RecoverMaxAge / 3
}

// ExecTimeout is the configured job timeout, or the backend's default:
// 10s for bare processes, 120s for containers.
func (c *Config) ExecTimeout() time.Duration {
	if c.Sandbox.Timeout > 0 {
		return c.Sandbox.Timeout
	}
	if c.Sandbox.Backend == "process" {
		return 10 * time.Second
	}
	return 120 * time.Second
}

// NewLogger builds the process-wide slog logger.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
