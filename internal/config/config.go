package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendDexcom     = "dexcom"
	BackendNightscout = "nightscout"
	BackendSugarmate  = "sugarmate"
)

// Config holds all application configuration
type Config struct {
	ServiceName string           `yaml:"service_name"`
	LogLevel    string           `yaml:"log_level"`
	Backend     string           `yaml:"backend"`
	Polling     PollingConfig    `yaml:"polling"`
	HTTP        HTTPConfig       `yaml:"http"`
	Dexcom      DexcomConfig     `yaml:"dexcom"`
	Nightscout  NightscoutConfig `yaml:"nightscout"`
	Sugarmate   SugarmateConfig  `yaml:"sugarmate"`
	Display     DisplayConfig    `yaml:"display"`
	RabbitMQ    RabbitMQConfig   `yaml:"rabbitmq"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Validation  ValidationConfig `yaml:"validation"`
}

// PollingConfig holds the schedule of the two cycles
type PollingConfig struct {
	IntervalSeconds        int `yaml:"interval_seconds"`
	TimeAgoIntervalSeconds int `yaml:"time_ago_interval_seconds"`
	MaxReadingLagSeconds   int `yaml:"max_reading_lag_seconds"`
}

// HTTPConfig holds outbound request and retry settings
type HTTPConfig struct {
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	Retries               int     `yaml:"retries"`
	RetryBaseDelaySeconds float64 `yaml:"retry_base_delay_seconds"`
}

// DexcomConfig holds Dexcom Share credentials and session policy
type DexcomConfig struct {
	AccountName        string  `yaml:"account_name"`
	Password           string  `yaml:"password"`
	ApplicationID      string  `yaml:"application_id"`
	BaseURL            string  `yaml:"base_url"`
	MaxAuthFails       int     `yaml:"max_auth_fails"`
	AuthRetryDelayBase float64 `yaml:"auth_retry_delay_base"`
	MaxFetchFails      int     `yaml:"max_fetch_fails"`
}

// NightscoutConfig holds the aggregator server location
type NightscoutConfig struct {
	URL string `yaml:"url"`
}

// SugarmateConfig holds the relay API settings
type SugarmateConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// DisplayConfig holds renderer settings
type DisplayConfig struct {
	NightModeHours []int  `yaml:"night_mode_hours"`
	LoopImageDir   string `yaml:"loop_image_dir"`
}

// RabbitMQConfig holds the optional display outlet settings
type RabbitMQConfig struct {
	URL               string `yaml:"url"`
	DisplayExchange   string `yaml:"display_exchange"`
	FrameRoutingKey   string `yaml:"frame_routing_key"`
	ReadingRoutingKey string `yaml:"reading_routing_key"`
}

// MetricsConfig holds the optional Pushgateway settings
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	JobName        string `yaml:"job_name"`
}

// ValidationConfig holds reading validation settings
type ValidationConfig struct {
	FutureToleranceMinutes int `yaml:"future_tolerance_minutes"`
}

// PollInterval returns the polling cycle interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalSeconds) * time.Second
}

// TimeAgoInterval returns the re-render cycle interval
func (c *Config) TimeAgoInterval() time.Duration {
	return time.Duration(c.Polling.TimeAgoIntervalSeconds) * time.Second
}

// MaxReadingLag returns the staleness threshold
func (c *Config) MaxReadingLag() time.Duration {
	return time.Duration(c.Polling.MaxReadingLagSeconds) * time.Second
}

// HTTPTimeout returns the per-request timeout
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the base delay for transient network retries
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.HTTP.RetryBaseDelaySeconds * float64(time.Second))
}

// Load loads configuration from an optional YAML file (CGM_CONFIG_FILE)
// and then from environment variables, which take precedence
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CGM_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServiceName: "cgm-display-worker",
		LogLevel:    "info",
		Backend:     BackendDexcom,
		Polling: PollingConfig{
			IntervalSeconds:        60,
			TimeAgoIntervalSeconds: 30,
			MaxReadingLagSeconds:   450,
		},
		HTTP: HTTPConfig{
			TimeoutSeconds:        10,
			Retries:               2,
			RetryBaseDelaySeconds: 1.0,
		},
		Dexcom: DexcomConfig{
			ApplicationID:      "d89443d2-327c-4a6f-89e5-496bbb0317db",
			BaseURL:            "https://share1.dexcom.com/ShareWebServices/Services",
			MaxAuthFails:       3,
			AuthRetryDelayBase: 2,
			MaxFetchFails:      10,
		},
		Sugarmate: SugarmateConfig{
			BaseURL: "https://sugarmate.io/api/v1",
		},
		Display: DisplayConfig{
			NightModeHours: []int{22, 23, 0, 1, 2, 3, 4, 5, 6},
			LoopImageDir:   "images",
		},
		RabbitMQ: RabbitMQConfig{
			DisplayExchange:   "cgm-display.events.exchange",
			FrameRoutingKey:   "cgm.display.frame",
			ReadingRoutingKey: "cgm.reading.accepted",
		},
		Metrics: MetricsConfig{
			JobName: "cgm-display-worker",
		},
		Validation: ValidationConfig{
			FutureToleranceMinutes: 5,
		},
	}
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Backend = strings.ToLower(getEnv("CGM_BACKEND", c.Backend))

	c.Polling.IntervalSeconds = getEnvAsInt("POLLING_INTERVAL_SECONDS", c.Polling.IntervalSeconds)
	c.Polling.TimeAgoIntervalSeconds = getEnvAsInt("TIME_AGO_INTERVAL_SECONDS", c.Polling.TimeAgoIntervalSeconds)
	c.Polling.MaxReadingLagSeconds = getEnvAsInt("MAX_READING_LAG_SECONDS", c.Polling.MaxReadingLagSeconds)

	c.HTTP.TimeoutSeconds = getEnvAsInt("HTTP_TIMEOUT_SECONDS", c.HTTP.TimeoutSeconds)
	c.HTTP.Retries = getEnvAsInt("HTTP_RETRIES", c.HTTP.Retries)
	c.HTTP.RetryBaseDelaySeconds = getEnvAsFloat("HTTP_RETRY_BASE_DELAY_SECONDS", c.HTTP.RetryBaseDelaySeconds)

	c.Dexcom.AccountName = getEnv("DEXCOM_ACCOUNT_NAME", c.Dexcom.AccountName)
	c.Dexcom.Password = getEnv("DEXCOM_PASSWORD", c.Dexcom.Password)
	c.Dexcom.ApplicationID = getEnv("DEXCOM_APPLICATION_ID", c.Dexcom.ApplicationID)
	c.Dexcom.BaseURL = getEnv("DEXCOM_BASE_URL", c.Dexcom.BaseURL)
	c.Dexcom.MaxAuthFails = getEnvAsInt("DEXCOM_MAX_AUTH_FAILS", c.Dexcom.MaxAuthFails)
	c.Dexcom.AuthRetryDelayBase = getEnvAsFloat("DEXCOM_AUTH_RETRY_DELAY_BASE", c.Dexcom.AuthRetryDelayBase)
	c.Dexcom.MaxFetchFails = getEnvAsInt("DEXCOM_MAX_FETCH_FAILS", c.Dexcom.MaxFetchFails)

	c.Nightscout.URL = strings.TrimRight(getEnv("NIGHTSCOUT_URL", c.Nightscout.URL), "/")

	c.Sugarmate.APIKey = getEnv("SUGARMATE_API_KEY", c.Sugarmate.APIKey)
	c.Sugarmate.BaseURL = strings.TrimRight(getEnv("SUGARMATE_BASE_URL", c.Sugarmate.BaseURL), "/")

	c.Display.NightModeHours = getEnvAsIntList("NIGHT_MODE_HOURS", c.Display.NightModeHours)
	c.Display.LoopImageDir = getEnv("LOOP_IMAGE_DIR", c.Display.LoopImageDir)

	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.DisplayExchange = getEnv("RABBITMQ_DISPLAY_EXCHANGE", c.RabbitMQ.DisplayExchange)
	c.RabbitMQ.FrameRoutingKey = getEnv("RABBITMQ_FRAME_ROUTING_KEY", c.RabbitMQ.FrameRoutingKey)
	c.RabbitMQ.ReadingRoutingKey = getEnv("RABBITMQ_READING_ROUTING_KEY", c.RabbitMQ.ReadingRoutingKey)

	c.Metrics.PushgatewayURL = getEnv("PUSHGATEWAY_URL", c.Metrics.PushgatewayURL)
	c.Metrics.JobName = getEnv("METRICS_JOB_NAME", c.Metrics.JobName)

	c.Validation.FutureToleranceMinutes = getEnvAsInt("FUTURE_TOLERANCE_MINUTES", c.Validation.FutureToleranceMinutes)
}

// Validate checks required fields for the selected backend
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDexcom:
		if c.Dexcom.AccountName == "" {
			return fmt.Errorf("DEXCOM_ACCOUNT_NAME is required for the dexcom backend")
		}
		if c.Dexcom.Password == "" {
			return fmt.Errorf("DEXCOM_PASSWORD is required for the dexcom backend")
		}
		if c.Dexcom.BaseURL == "" {
			return fmt.Errorf("DEXCOM_BASE_URL must not be empty")
		}
		if c.Dexcom.MaxAuthFails < 0 || c.Dexcom.MaxFetchFails < 0 {
			return fmt.Errorf("dexcom failure limits must not be negative")
		}
	case BackendNightscout:
		if c.Nightscout.URL == "" {
			return fmt.Errorf("NIGHTSCOUT_URL is required for the nightscout backend")
		}
	case BackendSugarmate:
		if c.Sugarmate.APIKey == "" {
			return fmt.Errorf("SUGARMATE_API_KEY is required for the sugarmate backend")
		}
	default:
		return fmt.Errorf("CGM_BACKEND must be one of: dexcom, nightscout, sugarmate (got %q)", c.Backend)
	}

	if c.Polling.IntervalSeconds <= 0 {
		return fmt.Errorf("POLLING_INTERVAL_SECONDS must be greater than 0")
	}
	if c.Polling.TimeAgoIntervalSeconds <= 0 {
		return fmt.Errorf("TIME_AGO_INTERVAL_SECONDS must be greater than 0")
	}
	if c.Polling.MaxReadingLagSeconds <= 0 {
		return fmt.Errorf("MAX_READING_LAG_SECONDS must be greater than 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be greater than 0")
	}
	if c.HTTP.Retries < 0 {
		return fmt.Errorf("HTTP_RETRIES must not be negative")
	}
	if c.HTTP.RetryBaseDelaySeconds < 0 {
		return fmt.Errorf("HTTP_RETRY_BASE_DELAY_SECONDS must not be negative")
	}
	for _, h := range c.Display.NightModeHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("NIGHT_MODE_HOURS contains invalid hour %d", h)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntList(key string, defaultValue []int) []int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []int
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return defaultValue
		}
		values = append(values, v)
	}
	return values
}
