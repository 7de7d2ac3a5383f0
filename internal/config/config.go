package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Sandbox backends.
const (
	BackendDocker = "docker"
	BackendNsjail = "nsjail"
)

// Config holds all configuration for the judge service.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Limits    LimitsConfig
	Languages LanguagesConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port           int           `mapstructure:"JUDGE_PORT"`
	ReadTimeout    time.Duration `mapstructure:"JUDGE_READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"JUDGE_WRITE_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"JUDGE_RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"JUDGE_RATE_LIMIT_BURST"`
	MaxBodyBytes   int64         `mapstructure:"JUDGE_MAX_BODY_BYTES"`
	GinMode        string        `mapstructure:"GIN_MODE"`
}

type SandboxConfig struct {
	Backend             string        `mapstructure:"JUDGE_SANDBOX_BACKEND"`
	User                string        `mapstructure:"JUDGE_SANDBOX_USER"`
	WorkDir             string        `mapstructure:"JUDGE_WORK_DIR"`
	NsjailPath          string        `mapstructure:"JUDGE_NSJAIL_PATH"`
	NsjailConfigDir     string        `mapstructure:"JUDGE_NSJAIL_CONFIG_DIR"`
	CPUQuota            float64       `mapstructure:"JUDGE_CPU_QUOTA"`
	PidsLimit           int64         `mapstructure:"JUDGE_PIDS_LIMIT"`
	CompileTimeout      time.Duration `mapstructure:"JUDGE_COMPILE_TIMEOUT"`
	KillGrace           time.Duration `mapstructure:"JUDGE_KILL_GRACE"`
	ReleaseTimeout      time.Duration `mapstructure:"JUDGE_RELEASE_TIMEOUT"`
	InstanceID          string        `mapstructure:"JUDGE_INSTANCE_ID"`
	StrictCompileStderr bool          `mapstructure:"JUDGE_STRICT_COMPILE_STDERR"`
	MaxOutputBytes      int           `mapstructure:"JUDGE_MAX_OUTPUT_BYTES"`
	MaxCompileOutput    int           `mapstructure:"JUDGE_MAX_COMPILE_OUTPUT_BYTES"`
}

type LimitsConfig struct {
	DefaultTimeLimitMs   int `mapstructure:"JUDGE_DEFAULT_TIME_LIMIT_MS"`
	DefaultMemoryLimitMb int `mapstructure:"JUDGE_DEFAULT_MEMORY_LIMIT_MB"`
	MaxTimeLimitMs       int `mapstructure:"JUDGE_MAX_TIME_LIMIT_MS"`
	MaxMemoryLimitMb     int `mapstructure:"JUDGE_MAX_MEMORY_LIMIT_MB"`
	MaxTestCases         int `mapstructure:"JUDGE_MAX_TEST_CASES"`
}

type LanguagesConfig struct {
	ImageCpp     string `mapstructure:"JUDGE_IMAGE_CPP"`
	ImagePython  string `mapstructure:"JUDGE_IMAGE_PYTHON"`
	ImageJava    string `mapstructure:"JUDGE_IMAGE_JAVA"`
	PrepullImage bool   `mapstructure:"JUDGE_PREPULL_IMAGES"`
}

type RedisConfig struct {
	// Empty URL selects the in-process submission lock.
	URL string `mapstructure:"JUDGE_REDIS_URL"`
}

type AMQPConfig struct {
	// Empty URL disables the queue transport.
	URL      string `mapstructure:"JUDGE_AMQP_URL"`
	Queue    string `mapstructure:"JUDGE_AMQP_QUEUE"`
	PoolSize int    `mapstructure:"JUDGE_WORKER_POOL_SIZE"`
}

type LogConfig struct {
	Level string `mapstructure:"JUDGE_LOG_LEVEL"`
}

// Load reads judge configuration from a .env file and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	// A missing .env is fine; the environment and defaults still apply.
	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("JUDGE_PORT", 5001)
	v.SetDefault("JUDGE_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("JUDGE_WRITE_TIMEOUT", 10*time.Minute)
	v.SetDefault("JUDGE_RATE_LIMIT_RPS", 5)
	v.SetDefault("JUDGE_RATE_LIMIT_BURST", 10)
	v.SetDefault("JUDGE_MAX_BODY_BYTES", 8<<20)
	v.SetDefault("GIN_MODE", "release")

	v.SetDefault("JUDGE_SANDBOX_BACKEND", BackendDocker)
	v.SetDefault("JUDGE_SANDBOX_USER", "nobody")
	v.SetDefault("JUDGE_WORK_DIR", "")
	v.SetDefault("JUDGE_NSJAIL_PATH", "/usr/bin/nsjail")
	v.SetDefault("JUDGE_NSJAIL_CONFIG_DIR", "./sandbox/nsjail")
	v.SetDefault("JUDGE_CPU_QUOTA", 1.0)
	v.SetDefault("JUDGE_PIDS_LIMIT", 64)
	v.SetDefault("JUDGE_COMPILE_TIMEOUT", 10*time.Second)
	v.SetDefault("JUDGE_KILL_GRACE", time.Second)
	v.SetDefault("JUDGE_RELEASE_TIMEOUT", 30*time.Second)
	v.SetDefault("JUDGE_INSTANCE_ID", "")
	v.SetDefault("JUDGE_STRICT_COMPILE_STDERR", true)
	v.SetDefault("JUDGE_MAX_OUTPUT_BYTES", 64<<10)
	v.SetDefault("JUDGE_MAX_COMPILE_OUTPUT_BYTES", 1<<20)

	v.SetDefault("JUDGE_DEFAULT_TIME_LIMIT_MS", 2000)
	v.SetDefault("JUDGE_DEFAULT_MEMORY_LIMIT_MB", 256)
	v.SetDefault("JUDGE_MAX_TIME_LIMIT_MS", 30000)
	v.SetDefault("JUDGE_MAX_MEMORY_LIMIT_MB", 1024)
	v.SetDefault("JUDGE_MAX_TEST_CASES", 500)

	v.SetDefault("JUDGE_IMAGE_CPP", "")
	v.SetDefault("JUDGE_IMAGE_PYTHON", "")
	v.SetDefault("JUDGE_IMAGE_JAVA", "")
	v.SetDefault("JUDGE_PREPULL_IMAGES", false)

	v.SetDefault("JUDGE_REDIS_URL", "")
	v.SetDefault("JUDGE_AMQP_URL", "")
	v.SetDefault("JUDGE_AMQP_QUEUE", "judge_requests")
	v.SetDefault("JUDGE_WORKER_POOL_SIZE", 4)
	v.SetDefault("JUDGE_LOG_LEVEL", "info")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = v.GetInt("JUDGE_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("JUDGE_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("JUDGE_WRITE_TIMEOUT")
	cfg.Server.RateLimitRPS = v.GetFloat64("JUDGE_RATE_LIMIT_RPS")
	cfg.Server.RateLimitBurst = v.GetInt("JUDGE_RATE_LIMIT_BURST")
	cfg.Server.MaxBodyBytes = v.GetInt64("JUDGE_MAX_BODY_BYTES")
	cfg.Server.GinMode = v.GetString("GIN_MODE")

	cfg.Sandbox.Backend = v.GetString("JUDGE_SANDBOX_BACKEND")
	cfg.Sandbox.User = v.GetString("JUDGE_SANDBOX_USER")
	cfg.Sandbox.WorkDir = v.GetString("JUDGE_WORK_DIR")
	cfg.Sandbox.NsjailPath = v.GetString("JUDGE_NSJAIL_PATH")
	cfg.Sandbox.NsjailConfigDir = v.GetString("JUDGE_NSJAIL_CONFIG_DIR")
	cfg.Sandbox.CPUQuota = v.GetFloat64("JUDGE_CPU_QUOTA")
	cfg.Sandbox.PidsLimit = v.GetInt64("JUDGE_PIDS_LIMIT")
	cfg.Sandbox.CompileTimeout = v.GetDuration("JUDGE_COMPILE_TIMEOUT")
	cfg.Sandbox.KillGrace = v.GetDuration("JUDGE_KILL_GRACE")
	cfg.Sandbox.ReleaseTimeout = v.GetDuration("JUDGE_RELEASE_TIMEOUT")
	cfg.Sandbox.InstanceID = v.GetString("JUDGE_INSTANCE_ID")
	cfg.Sandbox.StrictCompileStderr = v.GetBool("JUDGE_STRICT_COMPILE_STDERR")
	cfg.Sandbox.MaxOutputBytes = v.GetInt("JUDGE_MAX_OUTPUT_BYTES")
	cfg.Sandbox.MaxCompileOutput = v.GetInt("JUDGE_MAX_COMPILE_OUTPUT_BYTES")

	cfg.Limits.DefaultTimeLimitMs = v.GetInt("JUDGE_DEFAULT_TIME_LIMIT_MS")
	cfg.Limits.DefaultMemoryLimitMb = v.GetInt("JUDGE_DEFAULT_MEMORY_LIMIT_MB")
	cfg.Limits.MaxTimeLimitMs = v.GetInt("JUDGE_MAX_TIME_LIMIT_MS")
	cfg.Limits.MaxMemoryLimitMb = v.GetInt("JUDGE_MAX_MEMORY_LIMIT_MB")
	cfg.Limits.MaxTestCases = v.GetInt("JUDGE_MAX_TEST_CASES")

	cfg.Languages.ImageCpp = v.GetString("JUDGE_IMAGE_CPP")
	cfg.Languages.ImagePython = v.GetString("JUDGE_IMAGE_PYTHON")
	cfg.Languages.ImageJava = v.GetString("JUDGE_IMAGE_JAVA")
	cfg.Languages.PrepullImage = v.GetBool("JUDGE_PREPULL_IMAGES")

	cfg.Redis.URL = v.GetString("JUDGE_REDIS_URL")

	cfg.AMQP.URL = v.GetString("JUDGE_AMQP_URL")
	cfg.AMQP.Queue = v.GetString("JUDGE_AMQP_QUEUE")
	cfg.AMQP.PoolSize = v.GetInt("JUDGE_WORKER_POOL_SIZE")

	cfg.Log.Level = v.GetString("JUDGE_LOG_LEVEL")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Sandbox.Backend {
	case BackendDocker, BackendNsjail:
	default:
		return fmt.Errorf("config: unknown JUDGE_SANDBOX_BACKEND %q", c.Sandbox.Backend)
	}
	if c.Sandbox.ReleaseTimeout <= 0 {
		return fmt.Errorf("config: JUDGE_RELEASE_TIMEOUT must be positive")
	}
	if c.Limits.DefaultTimeLimitMs <= 0 || c.Limits.DefaultTimeLimitMs > c.Limits.MaxTimeLimitMs {
		return fmt.Errorf("config: JUDGE_DEFAULT_TIME_LIMIT_MS %d outside (0, %d]", c.Limits.DefaultTimeLimitMs, c.Limits.MaxTimeLimitMs)
	}
	if c.Limits.DefaultMemoryLimitMb <= 0 || c.Limits.DefaultMemoryLimitMb > c.Limits.MaxMemoryLimitMb {
		return fmt.Errorf("config: JUDGE_DEFAULT_MEMORY_LIMIT_MB %d outside (0, %d]", c.Limits.DefaultMemoryLimitMb, c.Limits.MaxMemoryLimitMb)
	}
	if c.AMQP.URL != "" && c.AMQP.PoolSize <= 0 {
		return fmt.Errorf("config: JUDGE_WORKER_POOL_SIZE must be positive")
	}
	return nil
}
