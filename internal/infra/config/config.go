package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Access   AccessConfig   `mapstructure:"access" yaml:"access"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota"`
	Split    SplitConfig    `mapstructure:"split" yaml:"split"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

type TelegramConfig struct {
	Token          string        `mapstructure:"token" yaml:"token"`
	APIEndpoint    string        `mapstructure:"api_endpoint" yaml:"api_endpoint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`
	PollTimeout    int           `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type AccessConfig struct {
	AdminFile   string `mapstructure:"admin_file" yaml:"admin_file"`
	AllowedFile string `mapstructure:"allowed_file" yaml:"allowed_file"`
}

type DownloadConfig struct {
	OutDir        string  `mapstructure:"out_dir" yaml:"out_dir"`
	Workers       int     `mapstructure:"workers" yaml:"workers"`
	QueueSize     int     `mapstructure:"queue_size" yaml:"queue_size"`
	DirectSendMB  float64 `mapstructure:"direct_send_mb" yaml:"direct_send_mb"`
	YtDlpBinary   string  `mapstructure:"ytdlp_binary" yaml:"ytdlp_binary"`
	FFmpegBinary  string  `mapstructure:"ffmpeg_binary" yaml:"ffmpeg_binary"`
	FFprobeBinary string  `mapstructure:"ffprobe_binary" yaml:"ffprobe_binary"`
}

type QuotaConfig struct {
	DailyLimitMB float64 `mapstructure:"daily_limit_mb" yaml:"daily_limit_mb"`
	RedisAddr    string  `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB      int     `mapstructure:"redis_db" yaml:"redis_db"`
}

type SplitConfig struct {
	CeilingMB  float64       `mapstructure:"ceiling_mb" yaml:"ceiling_mb"`
	TempDir    string        `mapstructure:"temp_dir" yaml:"temp_dir"`
	Delay      time.Duration `mapstructure:"delay" yaml:"delay"`
	TempMaxAge time.Duration `mapstructure:"temp_max_age" yaml:"temp_max_age"`
}

type NetworkConfig struct {
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	GoodLatency   time.Duration `mapstructure:"good_latency" yaml:"good_latency"`
	PoorThreshold time.Duration `mapstructure:"poor_threshold" yaml:"poor_threshold"`
	LogPath       string        `mapstructure:"log_path" yaml:"log_path"`
	LogKeepLines  int           `mapstructure:"log_keep_lines" yaml:"log_keep_lines"`
}

type RetryConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Delay      time.Duration `mapstructure:"delay" yaml:"delay"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	JSONPath    string `mapstructure:"json_path" yaml:"json_path"`
	AuditPath   string `mapstructure:"audit_path" yaml:"audit_path"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    string `mapstructure:"port" yaml:"port"`
}

// ErrMissingToken is returned by Load when no bot token is configured.
var ErrMissingToken = errors.New("telegram token is required (set telegram.token, GOFETCH_TELEGRAM_TOKEN or BOT_TOKEN)")

// Load reads config.yaml when present, then .env, then GOFETCH_* variables.
// Unlike the file, environment overrides are always applied.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// LoadOffline is Load without the token requirement, for subcommands that
// only touch local state such as the history store.
func LoadOffline(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, requireToken bool) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err != nil {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		// In Docker the config is usually mounted under /config
		if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
			path = "/config/config.yaml"
		} else {
			path = ""
		}
	}

	// A missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("GOFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("BOT_TOKEN")
	}

	validate := cfg.validate
	if !requireToken {
		validate = cfg.validateSettings
	}
	if err := validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("telegram.request_timeout", 60*time.Second)
	v.SetDefault("telegram.upload_timeout", 120*time.Second)
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("telegram.rate_limit", 25.0)
	v.SetDefault("telegram.rate_burst", 5)

	v.SetDefault("access.admin_file", "admin.txt")
	v.SetDefault("access.allowed_file", "allowed_user.txt")

	v.SetDefault("download.out_dir", "downloads")
	v.SetDefault("download.workers", 2)
	v.SetDefault("download.queue_size", 32)
	v.SetDefault("download.direct_send_mb", 50.0)
	v.SetDefault("download.ytdlp_binary", "yt-dlp")
	v.SetDefault("download.ffmpeg_binary", "ffmpeg")
	v.SetDefault("download.ffprobe_binary", "ffprobe")

	v.SetDefault("quota.daily_limit_mb", 100.0)
	v.SetDefault("quota.redis_addr", "")
	v.SetDefault("quota.redis_db", 0)

	v.SetDefault("split.ceiling_mb", 45.0)
	v.SetDefault("split.temp_dir", "temp_splits")
	v.SetDefault("split.delay", 2*time.Second)
	v.SetDefault("split.temp_max_age", 2*time.Hour)

	v.SetDefault("network.ping_interval", 30*time.Second)
	v.SetDefault("network.probe_timeout", 20*time.Second)
	v.SetDefault("network.good_latency", 3*time.Second)
	v.SetDefault("network.poor_threshold", 15*time.Second)
	v.SetDefault("network.log_path", "network_status.log")
	v.SetDefault("network.log_keep_lines", 1000)

	v.SetDefault("retry.interval", 120*time.Second)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.delay", 2*time.Second)

	v.SetDefault("store.backend", "json")
	v.SetDefault("store.json_path", "download_history.json")
	v.SetDefault("store.audit_path", "download_history.txt")
	v.SetDefault("store.sqlite_path", "data/gofetch.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("log.path", "gofetch.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", "8080")
}

// Default returns the configuration produced by defaults alone, without validation.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return ErrMissingToken
	}
	return c.validateSettings()
}

func (c *Config) validateSettings() error {
	if !strings.Contains(c.Telegram.APIEndpoint, "%s") {
		return fmt.Errorf("telegram.api_endpoint must contain token and method placeholders: %q", c.Telegram.APIEndpoint)
	}

	switch c.Store.Backend {
	case "json", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Download.Workers <= 0 {
		// Default to a sane value
		c.Download.Workers = 2
	}

	if c.Download.QueueSize <= 0 {
		c.Download.QueueSize = 32
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "downloads"
	}

	if c.Split.CeilingMB <= 0 {
		c.Split.CeilingMB = 45
	}

	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 5
	}

	if c.Network.ProbeTimeout <= 0 {
		c.Network.ProbeTimeout = 20 * time.Second
	}

	if c.Network.GoodLatency <= 0 {
		c.Network.GoodLatency = 3 * time.Second
	}

	if c.Network.PoorThreshold <= 0 {
		c.Network.PoorThreshold = 15 * time.Second
	}

	if c.Network.PoorThreshold < c.Network.GoodLatency {
		return fmt.Errorf("network.poor_threshold (%s) must not be below network.good_latency (%s)",
			c.Network.PoorThreshold, c.Network.GoodLatency)
	}

	return nil
}
