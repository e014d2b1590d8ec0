package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig  `yaml:"database"`
	RabbitMQ RabbitMQConfig  `yaml:"rabbitmq"`
	Server   ServerConfig    `yaml:"server"`
	Hub      HubConfig       `yaml:"hub"`
	Polling  PollingConfig   `yaml:"polling"`
	Dedup    DedupConfig     `yaml:"dedup"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
	Tools    ToolsConfig     `yaml:"tools"`
	Upload   UploadConfig    `yaml:"upload"`
	Proxies  []ProxyConfig   `yaml:"proxies"`
	Accounts []AccountConfig `yaml:"accounts"`
	Channels []ChannelConfig `yaml:"channels"`
	LockFile string          `yaml:"lock_file"`
	LogLevel string          `yaml:"log_level"`
}

// RabbitMQConfig configures outcome reporting. Reporting is disabled when URL is empty.
// RoutingPrefix is joined with the report kind, e.g. pipeline.outcome.failed.
type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	Exchange      string `yaml:"exchange"`
	RoutingPrefix string `yaml:"routing_prefix"`
	QueueName     string `yaml:"queue_name"`
}

// DatabaseConfig configures durable state. Persistence is disabled when Host is empty.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	CallbackURL  string        `yaml:"callback_url"`
	AdminSecret  string        `yaml:"admin_secret"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type HubConfig struct {
	URL            string        `yaml:"url"`
	TopicBaseURL   string        `yaml:"topic_base_url"`
	Secret         string        `yaml:"secret"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewBefore    time.Duration `yaml:"renew_before"`
	VerifyTimeout  time.Duration `yaml:"verify_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Timeout        time.Duration `yaml:"timeout"`
}

type PollingConfig struct {
	FeedBaseURL          string        `yaml:"feed_base_url"`
	DefaultInterval      time.Duration `yaml:"default_interval"`
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	CoveredInterval      time.Duration `yaml:"covered_interval"`
	Retry                RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type DedupConfig struct {
	Retention time.Duration `yaml:"retention"`
}

type PipelineConfig struct {
	Workers        int           `yaml:"workers"`
	WorkDir        string        `yaml:"work_dir"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	SplitTimeout   time.Duration `yaml:"split_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	Split          SplitConfig   `yaml:"split"`
	KeepArtifacts  bool          `yaml:"keep_artifacts"`
}

type SplitConfig struct {
	Parts             int           `yaml:"parts"`
	MaxPartDuration   time.Duration `yaml:"max_part_duration"`
	MinSourceDuration time.Duration `yaml:"min_source_duration"`
	MaxSourceDuration time.Duration `yaml:"max_source_duration"`
	// ExtendBelow set negative turns looping of short sources off.
	ExtendBelow time.Duration `yaml:"extend_below"`
	ExtendTo    time.Duration `yaml:"extend_to"`
}

type ToolsConfig struct {
	YtDlp   string `yaml:"ytdlp"`
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
}

type UploadConfig struct {
	Endpoint    string `yaml:"endpoint"`
	TitleSuffix bool   `yaml:"title_suffix"`
}

// ProxyConfig accepts either explicit fields or Address in the
// "host:port:username:password" shorthand.
type ProxyConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type AccountConfig struct {
	ID          string `yaml:"id"`
	SessionFile string `yaml:"session_file"`
}

type ChannelConfig struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Account  string        `yaml:"account"`
	Proxy    string        `yaml:"proxy"`
	Interval time.Duration `yaml:"interval"`
	Mode     string        `yaml:"mode"`
	Enabled  *bool         `yaml:"enabled"`
	Backfill bool          `yaml:"backfill"`
}

func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML after expanding environment references.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.normalizeProxies(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "clip_relay"
	}
	if c.RabbitMQ.RoutingPrefix == "" {
		c.RabbitMQ.RoutingPrefix = "pipeline.outcome"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "clip_relay_outcomes"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Hub.URL == "" {
		c.Hub.URL = "https://pubsubhubbub.appspot.com/subscribe"
	}
	if c.Hub.TopicBaseURL == "" {
		c.Hub.TopicBaseURL = "https://www.youtube.com/xml/feeds/videos.xml"
	}
	if c.Hub.LeaseDuration == 0 {
		c.Hub.LeaseDuration = 5 * 24 * time.Hour
	}
	if c.Hub.RenewBefore == 0 {
		c.Hub.RenewBefore = 12 * time.Hour
	}
	if c.Hub.VerifyTimeout == 0 {
		c.Hub.VerifyTimeout = 2 * time.Minute
	}
	if c.Hub.CheckInterval == 0 {
		c.Hub.CheckInterval = time.Minute
	}
	if c.Hub.RequestsPerSec == 0 {
		c.Hub.RequestsPerSec = 2
	}
	if c.Hub.Timeout == 0 {
		c.Hub.Timeout = 15 * time.Second
	}
	if c.Polling.FeedBaseURL == "" {
		c.Polling.FeedBaseURL = "https://www.youtube.com/feeds/videos.xml"
	}
	if c.Polling.DefaultInterval == 0 {
		c.Polling.DefaultInterval = time.Minute
	}
	if c.Polling.MaxConcurrentFetches == 0 {
		c.Polling.MaxConcurrentFetches = 4
	}
	if c.Polling.FetchTimeout == 0 {
		c.Polling.FetchTimeout = 20 * time.Second
	}
	c.Polling.Retry.setDefaults(2, time.Second, 10*time.Second)
	if c.Dedup.Retention == 0 {
		c.Dedup.Retention = c.defaultRetention()
	}
	if c.Polling.CoveredInterval == 0 {
		c.Polling.CoveredInterval = c.Dedup.Retention / 2
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 2
	}
	if c.Pipeline.WorkDir == "" {
		c.Pipeline.WorkDir = "work"
	}
	if c.Pipeline.FetchTimeout == 0 {
		c.Pipeline.FetchTimeout = 15 * time.Minute
	}
	if c.Pipeline.SplitTimeout == 0 {
		c.Pipeline.SplitTimeout = 10 * time.Minute
	}
	if c.Pipeline.PublishTimeout == 0 {
		c.Pipeline.PublishTimeout = 5 * time.Minute
	}
	c.Pipeline.Retry.setDefaults(4, 5*time.Second, 5*time.Minute)
	if c.Pipeline.Split.Parts == 0 {
		c.Pipeline.Split.Parts = 3
	}
	if c.Pipeline.Split.MaxPartDuration == 0 {
		c.Pipeline.Split.MaxPartDuration = 113 * time.Second
	}
	if c.Pipeline.Split.MinSourceDuration == 0 {
		c.Pipeline.Split.MinSourceDuration = 3 * time.Second
	}
	if c.Pipeline.Split.ExtendBelow == 0 {
		c.Pipeline.Split.ExtendBelow = 60 * time.Second
	}
	if c.Pipeline.Split.ExtendTo == 0 {
		c.Pipeline.Split.ExtendTo = 63 * time.Second
	}
	if c.Tools.YtDlp == "" {
		c.Tools.YtDlp = "yt-dlp"
	}
	if c.Tools.FFmpeg == "" {
		c.Tools.FFmpeg = "ffmpeg"
	}
	if c.Tools.FFprobe == "" {
		c.Tools.FFprobe = "ffprobe"
	}
	if c.LockFile == "" {
		c.LockFile = "clip_relay.lock"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Interval == 0 {
			ch.Interval = c.Polling.DefaultInterval
		}
		if ch.Mode == "" {
			ch.Mode = "poll"
		}
	}
}

func (r *RetryConfig) setDefaults(attempts int, initial, max time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = initial
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = max
	}
}

// defaultRetention is several times the longest polling interval, and never
// below an hour. Channels covered by a hub subscription are polled every
// polling.covered_interval, which must stay below the retention.
func (c *Config) defaultRetention() time.Duration {
	longest := c.Polling.DefaultInterval
	for _, ch := range c.Channels {
		if ch.Interval > longest {
			longest = ch.Interval
		}
	}
	retention := 6 * longest
	if retention < time.Hour {
		retention = time.Hour
	}
	return retention
}

func (c *Config) normalizeProxies() error {
	for i := range c.Proxies {
		p := &c.Proxies[i]
		if p.Address == "" {
			continue
		}
		parts := strings.Split(p.Address, ":")
		if len(parts) != 2 && len(parts) != 4 {
			return fmt.Errorf("proxy %q: address must be host:port or host:port:username:password", p.ID)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("proxy %q: invalid port: %w", p.ID, err)
		}
		p.Host = parts[0]
		p.Port = port
		if len(parts) == 4 {
			p.Username = parts[2]
			p.Password = parts[3]
		}
	}
	return nil
}

// Validate checks cross references between channels, accounts and proxies.
func (c *Config) Validate() error {
	var errs []error

	proxies := make(map[string]bool, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.ID == "" || p.Host == "" || p.Port == 0 {
			errs = append(errs, fmt.Errorf("proxy %q: id, host and port are required", p.ID))
		}
		proxies[p.ID] = true
	}

	accounts := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, errors.New("account: id is required"))
		}
		accounts[a.ID] = true
	}

	seen := make(map[string]bool, len(c.Channels))
	realtime := false
	for _, ch := range c.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("channel %q: id is required", ch.Name))
			continue
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("channel %q: duplicate id", ch.ID))
		}
		seen[ch.ID] = true
		if !accounts[ch.Account] {
			errs = append(errs, fmt.Errorf("channel %q: unknown account %q", ch.ID, ch.Account))
		}
		if ch.Proxy != "" && !proxies[ch.Proxy] {
			errs = append(errs, fmt.Errorf("channel %q: unknown proxy %q", ch.ID, ch.Proxy))
		}
		switch ch.Mode {
		case "poll":
		case "realtime":
			realtime = true
		default:
			errs = append(errs, fmt.Errorf("channel %q: mode must be poll or realtime", ch.ID))
		}
		if ch.Interval < time.Second {
			errs = append(errs, fmt.Errorf("channel %q: interval must be at least 1s", ch.ID))
		}
	}

	if realtime && c.Server.CallbackURL == "" {
		errs = append(errs, errors.New("server.callback_url is required for realtime channels"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Polling.MaxConcurrentFetches < 1 {
		errs = append(errs, errors.New("polling.max_concurrent_fetches must be positive"))
	}
	if c.Polling.CoveredInterval >= c.Dedup.Retention {
		errs = append(errs, errors.New("polling.covered_interval must be shorter than dedup.retention"))
	}

	return errors.Join(errs...)
}
