// Package config loads tattoo-broker settings from defaults, an optional
// YAML file and TATTOO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the worker and the API.
type Config struct {
	// Queue is the shared work queue name.
	Queue string `mapstructure:"queue" yaml:"queue"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Broker  BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	// Kind: amqp, redis, nats or memory
	Kind           string        `mapstructure:"kind" yaml:"kind"`
	Attempts       int           `mapstructure:"attempts" yaml:"attempts"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`

	AMQP  AMQPConfig  `mapstructure:"amqp" yaml:"amqp"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
	NATS  NATSConfig  `mapstructure:"nats" yaml:"nats"`
}

type AMQPConfig struct {
	// URL wins over the individual parts when set.
	URL       string        `mapstructure:"url" yaml:"url"`
	User      string        `mapstructure:"user" yaml:"user"`
	Password  string        `mapstructure:"password" yaml:"password"`
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" yaml:"port"`
	VHost     string        `mapstructure:"vhost" yaml:"vhost"`
	Heartbeat time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	PoolSize  int           `mapstructure:"pool_size" yaml:"pool_size"`
	Group     string        `mapstructure:"group" yaml:"group"`
	PollBlock time.Duration `mapstructure:"poll_block" yaml:"poll_block"`
	ClaimIdle time.Duration `mapstructure:"claim_idle" yaml:"claim_idle"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	// Storage: file or memory
	Storage   string        `mapstructure:"storage" yaml:"storage"`
	MaxAge    time.Duration `mapstructure:"max_age" yaml:"max_age"`
	AckWait   time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	FetchWait time.Duration `mapstructure:"fetch_wait" yaml:"fetch_wait"`
}

// WorkerConfig describes the external model command run for each task.
type WorkerConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Dir     string        `mapstructure:"dir" yaml:"dir"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Listen      string        `mapstructure:"listen" yaml:"listen"`
	StorageDir  string        `mapstructure:"storage_dir" yaml:"storage_dir"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxBodyMB   int           `mapstructure:"max_body_mb" yaml:"max_body_mb"`
	// Standalone runs an in-process worker next to the API.
	Standalone bool `mapstructure:"standalone" yaml:"standalone"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default returns a Config populated with the defaults.
func Default() *Config {
	return &Config{
		Queue: "main",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Broker: BrokerConfig{
			Kind:           "amqp",
			Attempts:       3,
			ReconnectDelay: time.Second,
			AMQP: AMQPConfig{
				User:      "guest",
				Password:  "guest",
				Host:      "localhost",
				Port:      5672,
				VHost:     "/",
				Heartbeat: 10 * time.Second,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  32,
				Group:     "tattoo-workers",
				PollBlock: 2 * time.Second,
				ClaimIdle: 5 * time.Minute,
			},
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "tattoo",
				Storage:       "file",
				MaxAge:        24 * time.Hour,
				AckWait:       time.Minute,
				FetchWait:     2 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Command: "python3",
			Args:    []string{"model.py"},
			Timeout: 6 * time.Hour,
		},
		API: APIConfig{
			Listen:      ":8000",
			StorageDir:  "./storage",
			CallTimeout: 6 * time.Hour,
			MaxBodyMB:   64,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// TATTOO_CONFIG or ./tattoo.yaml, ./configs/tattoo.yaml, ~/.tattoo/tattoo.yaml.
// Environment variables use the prefix TATTOO with `.` and `-` replaced by
// `_`, e.g. TATTOO_BROKER_KIND=redis. The RabbitMQ container variables
// (RABBITMQ_DEFAULT_USER, RABBITMQ_DEFAULT_PASS, RABBITMQ_HOST,
// RABBITMQ_PORT) fill the AMQP settings.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TATTOO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	_ = v.BindEnv("broker.amqp.user", "TATTOO_BROKER_AMQP_USER", "RABBITMQ_DEFAULT_USER")
	_ = v.BindEnv("broker.amqp.password", "TATTOO_BROKER_AMQP_PASSWORD", "RABBITMQ_DEFAULT_PASS")
	_ = v.BindEnv("broker.amqp.host", "TATTOO_BROKER_AMQP_HOST", "RABBITMQ_HOST")
	_ = v.BindEnv("broker.amqp.port", "TATTOO_BROKER_AMQP_PORT", "RABBITMQ_PORT")

	if path == "" {
		if envPath := os.Getenv("TATTOO_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tattoo")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tattoo"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configs resolve every key.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("queue", cfg.Queue)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	b := cfg.Broker
	v.SetDefault("broker.kind", b.Kind)
	v.SetDefault("broker.attempts", b.Attempts)
	v.SetDefault("broker.reconnect_delay", b.ReconnectDelay)
	v.SetDefault("broker.amqp.url", b.AMQP.URL)
	v.SetDefault("broker.amqp.user", b.AMQP.User)
	v.SetDefault("broker.amqp.password", b.AMQP.Password)
	v.SetDefault("broker.amqp.host", b.AMQP.Host)
	v.SetDefault("broker.amqp.port", b.AMQP.Port)
	v.SetDefault("broker.amqp.vhost", b.AMQP.VHost)
	v.SetDefault("broker.amqp.heartbeat", b.AMQP.Heartbeat)
	v.SetDefault("broker.redis.addr", b.Redis.Addr)
	v.SetDefault("broker.redis.password", b.Redis.Password)
	v.SetDefault("broker.redis.db", b.Redis.DB)
	v.SetDefault("broker.redis.pool_size", b.Redis.PoolSize)
	v.SetDefault("broker.redis.group", b.Redis.Group)
	v.SetDefault("broker.redis.poll_block", b.Redis.PollBlock)
	v.SetDefault("broker.redis.claim_idle", b.Redis.ClaimIdle)
	v.SetDefault("broker.nats.url", b.NATS.URL)
	v.SetDefault("broker.nats.subject_prefix", b.NATS.SubjectPrefix)
	v.SetDefault("broker.nats.storage", b.NATS.Storage)
	v.SetDefault("broker.nats.max_age", b.NATS.MaxAge)
	v.SetDefault("broker.nats.ack_wait", b.NATS.AckWait)
	v.SetDefault("broker.nats.fetch_wait", b.NATS.FetchWait)

	v.SetDefault("worker.command", cfg.Worker.Command)
	v.SetDefault("worker.args", cfg.Worker.Args)
	v.SetDefault("worker.dir", cfg.Worker.Dir)
	v.SetDefault("worker.timeout", cfg.Worker.Timeout)

	v.SetDefault("api.listen", cfg.API.Listen)
	v.SetDefault("api.storage_dir", cfg.API.StorageDir)
	v.SetDefault("api.call_timeout", cfg.API.CallTimeout)
	v.SetDefault("api.max_body_mb", cfg.API.MaxBodyMB)
	v.SetDefault("api.standalone", cfg.API.Standalone)

	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Broker.Kind = strings.ToLower(strings.TrimSpace(c.Broker.Kind))
	switch c.Broker.Kind {
	case "amqp", "redis", "nats", "memory":
	default:
		return fmt.Errorf("invalid broker.kind: %q (want amqp, redis, nats or memory)", c.Broker.Kind)
	}
	if c.Broker.Attempts < 1 {
		return fmt.Errorf("broker.attempts must be at least 1, got %d", c.Broker.Attempts)
	}
	switch strings.ToLower(c.Broker.NATS.Storage) {
	case "file", "memory":
	default:
		return fmt.Errorf("invalid broker.nats.storage: %q", c.Broker.NATS.Storage)
	}
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("queue must not be empty")
	}
	return nil
}

// Dump writes the effective configuration as YAML.
func Dump(w io.Writer, c *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
