package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every tunable of the sync daemon. Values come from
// defaults, then an optional YAML file, then environment variables, so the
// binary runs locally with no setup beyond an API base URL.
type Config struct {
	APIBaseURL string        `yaml:"api_base_url"`
	APIToken   string        `yaml:"api_token"`
	APITimeout time.Duration `yaml:"api_timeout"`

	PollInterval time.Duration `yaml:"poll_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	RoutesStart  string        `yaml:"routes_start"`
	RoutesEnd    string        `yaml:"routes_end"`

	// EditTimeout left unset follows PollInterval at twice its value.
	EditTimeout   time.Duration `yaml:"edit_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ActivityLimit int           `yaml:"activity_limit"`

	StreamTransport string   `yaml:"stream_transport"`
	StreamURL       string   `yaml:"stream_url"`
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaTopic      string   `yaml:"kafka_topic"`
	KafkaGroupID    string   `yaml:"kafka_group_id"`

	// StreamReadTimeout drops a websocket stream that has been silent this
	// long, keepalive pongs included. Zero disables it.
	StreamReadTimeout time.Duration `yaml:"stream_read_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	PGDSN string `yaml:"pg_dsn"`

	HTTPAddr        string        `yaml:"http_addr"`
	WSOrigins       []string      `yaml:"ws_allowed_origins"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"migrate"`
}

const (
	TransportWebSocket = "websocket"
	TransportKafka     = "kafka"
	TransportNone      = "none"

	minPollInterval  = 2 * time.Second
	editTimeoutPolls = 2
	dateLayout       = "2006-01-02"
)

func defaultConfig() Config {
	return Config{
		APITimeout:        15 * time.Second,
		PollInterval:      60 * time.Second,
		FetchTimeout:      20 * time.Second,
		SweepInterval:     5 * time.Second,
		ActivityLimit:     200,
		StreamTransport:   TransportWebSocket,
		StreamReadTimeout: 60 * time.Second,
		KafkaTopic:        "fleet-events",
		KafkaGroupID:      "fleet-sync",
		RedisGeoKey:       "drivers_geo",
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		LogLevel:          "info",
	}
}

// Load builds the configuration. path names an optional YAML file; when it
// is empty SYNC_CONFIG is consulted.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	var errs []error

	if path == "" {
		path = strings.TrimSpace(os.Getenv("SYNC_CONFIG"))
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.APIToken, "API_TOKEN")
	setDurationFromEnv(&cfg.APITimeout, "API_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.FetchTimeout, "FETCH_TIMEOUT", &errs)
	setStringFromEnv(&cfg.RoutesStart, "ROUTES_START")
	setStringFromEnv(&cfg.RoutesEnd, "ROUTES_END")

	setDurationFromEnv(&cfg.EditTimeout, "EDIT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.ActivityLimit, "ACTIVITY_LIMIT", &errs)

	if v := os.Getenv("STREAM_TRANSPORT"); v != "" {
		cfg.StreamTransport = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.StreamURL, "STREAM_URL")
	setDurationFromEnv(&cfg.StreamReadTimeout, "STREAM_READ_TIMEOUT", &errs)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.WSOrigins = splitAndTrim(origins)
	}
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if cfg.EditTimeout == 0 {
		cfg.EditTimeout = editTimeoutPolls * cfg.PollInterval
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func loadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() []error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	} else if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL %q is not an absolute URL", c.APIBaseURL))
	}
	if c.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least %s", minPollInterval))
	}
	if c.EditTimeout <= 0 {
		errs = append(errs, errors.New("EDIT_TIMEOUT must be > 0"))
	}
	if c.StreamReadTimeout < 0 {
		errs = append(errs, errors.New("STREAM_READ_TIMEOUT must be >= 0"))
	}
	if c.ActivityLimit <= 0 {
		errs = append(errs, errors.New("ACTIVITY_LIMIT must be > 0"))
	}
	switch c.StreamTransport {
	case TransportWebSocket:
		if c.StreamURL == "" {
			errs = append(errs, errors.New("STREAM_URL is required for the websocket transport"))
		}
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka transport"))
		}
	case TransportNone:
	default:
		errs = append(errs, fmt.Errorf("unknown STREAM_TRANSPORT %q", c.StreamTransport))
	}
	if _, _, err := c.RoutesPeriod(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// RoutesPeriod parses the configured route window. Both zero means today.
// A start without an end selects a single day.
func (c Config) RoutesPeriod() (start, end time.Time, err error) {
	if c.RoutesStart == "" {
		if c.RoutesEnd != "" {
			return start, end, errors.New("ROUTES_END requires ROUTES_START")
		}
		return start, end, nil
	}
	if start, err = time.Parse(dateLayout, c.RoutesStart); err != nil {
		return start, end, fmt.Errorf("invalid ROUTES_START: %w", err)
	}
	if c.RoutesEnd == "" {
		return start, start, nil
	}
	if end, err = time.Parse(dateLayout, c.RoutesEnd); err != nil {
		return start, end, fmt.Errorf("invalid ROUTES_END: %w", err)
	}
	if end.Before(start) {
		return start, end, errors.New("ROUTES_END is before ROUTES_START")
	}
	return start, end, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
