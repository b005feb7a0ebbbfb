package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvOverrideURL names the environment variable that, when set, pins the
// backend base URL and skips all discovery network activity.
const EnvOverrideURL = "MAESTRO_SERVER_URL"

// Defaults applied when the YAML file omits a field (or no file is given).
const (
	DefaultServiceName = "maestro-backend"
	DefaultAPIPath     = "/api/v1"
	DefaultSSEPath     = "/sse"

	DefaultScanTimeout  = 15 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	DefaultSessionHeader = "X-Session-Id"
	DefaultTopicsHeader  = "X-Topics"

	DefaultInitialDelay = 1 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10
)

// Config holds all settings for the discovery resolver and the realtime
// client. Fields are guarded by mu so Update/Watch can reload the file while
// consumers read through the getters.
type Config struct {
	mu         sync.RWMutex
	configPath string
	logger     *zap.Logger

	overrideURL string
	serviceName string
	apiPath     string
	ssePath     string

	scanTimeout  time.Duration
	probeTimeout time.Duration

	sessionHeader string
	topicsHeader  string
	topics        []string

	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	maxAttempts  int

	logLevel    string
	storagePath string
}

// yamlConfig mirrors the on-disk layout.
type yamlConfig struct {
	Discovery struct {
		ServiceName  string `yaml:"service_name"`
		ScanTimeout  string `yaml:"scan_timeout"`
		ProbeTimeout string `yaml:"probe_timeout"`
		APIPath      string `yaml:"api_path"`
		OverrideURL  string `yaml:"override_url"`
	} `yaml:"discovery"`

	Realtime struct {
		SSEPath       string   `yaml:"sse_path"`
		SessionHeader string   `yaml:"session_header"`
		TopicsHeader  string   `yaml:"topics_header"`
		Topics        []string `yaml:"topics"`
		Reconnect     struct {
			InitialDelay string  `yaml:"initial_delay"`
			Multiplier   float64 `yaml:"multiplier"`
			MaxDelay     string  `yaml:"max_delay"`
			MaxAttempts  int     `yaml:"max_attempts"`
		} `yaml:"reconnect"`
	} `yaml:"realtime"`

	LogLevel    string `yaml:"log_level"`
	StoragePath string `yaml:"storage_path"`
}

// Load creates a configuration from the YAML file at configPath. An empty
// path yields a configuration with all defaults, which is valid for library
// consumers that configure programmatically.
func Load(configPath string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	c := &Config{
		configPath:    configPath,
		logger:        logger,
		serviceName:   DefaultServiceName,
		apiPath:       DefaultAPIPath,
		ssePath:       DefaultSSEPath,
		scanTimeout:   DefaultScanTimeout,
		probeTimeout:  DefaultProbeTimeout,
		sessionHeader: DefaultSessionHeader,
		topicsHeader:  DefaultTopicsHeader,
		topics:        []string{"calls", "orders"},
		initialDelay:  DefaultInitialDelay,
		multiplier:    DefaultMultiplier,
		maxDelay:      DefaultMaxDelay,
		maxAttempts:   DefaultMaxAttempts,
		logLevel:      "info",
		storagePath:   defaultStoragePath(),
	}

	if configPath != "" {
		if err := c.Update(); err != nil {
			return nil, err
		}
	} else {
		c.applyEnv()
	}
	return c, nil
}

// defaultStoragePath anchors the state file in the user configuration
// directory so the persisted URL and cursor do not depend on where the
// process was launched from. Without a resolvable home it falls back to the
// working directory.
func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "backendlink-state.yaml"
	}
	return filepath.Join(dir, "backendlink", "state.yaml")
}

// Update reloads configuration from the YAML file. Unset fields keep their
// defaults; the environment override is re-applied after every reload.
func (c *Config) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("Updating configuration from YAML file", zap.String("path", c.configPath))

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		c.logger.Error("Failed to read config file", zap.Error(err))
		return fmt.Errorf("read config: %w", err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		c.logger.Error("Failed to parse YAML", zap.Error(err))
		return fmt.Errorf("parse config: %w", err)
	}

	if y.Discovery.ServiceName != "" {
		c.serviceName = y.Discovery.ServiceName
	}
	if y.Discovery.APIPath != "" {
		c.apiPath = y.Discovery.APIPath
	}
	if y.Discovery.OverrideURL != "" {
		c.overrideURL = y.Discovery.OverrideURL
	}
	if d, ok := parseDuration(c.logger, "discovery.scan_timeout", y.Discovery.ScanTimeout); ok {
		c.scanTimeout = d
	}
	if d, ok := parseDuration(c.logger, "discovery.probe_timeout", y.Discovery.ProbeTimeout); ok {
		c.probeTimeout = d
	}

	if y.Realtime.SSEPath != "" {
		c.ssePath = y.Realtime.SSEPath
	}
	if y.Realtime.SessionHeader != "" {
		c.sessionHeader = y.Realtime.SessionHeader
	}
	if y.Realtime.TopicsHeader != "" {
		c.topicsHeader = y.Realtime.TopicsHeader
	}
	if len(y.Realtime.Topics) > 0 {
		c.topics = append([]string{}, y.Realtime.Topics...)
	}
	if d, ok := parseDuration(c.logger, "realtime.reconnect.initial_delay", y.Realtime.Reconnect.InitialDelay); ok {
		c.initialDelay = d
	}
	if y.Realtime.Reconnect.Multiplier > 0 {
		c.multiplier = y.Realtime.Reconnect.Multiplier
	}
	if d, ok := parseDuration(c.logger, "realtime.reconnect.max_delay", y.Realtime.Reconnect.MaxDelay); ok {
		c.maxDelay = d
	}
	if y.Realtime.Reconnect.MaxAttempts > 0 {
		c.maxAttempts = y.Realtime.Reconnect.MaxAttempts
	}

	if y.LogLevel != "" {
		c.logLevel = y.LogLevel
	}
	if y.StoragePath != "" {
		c.storagePath = y.StoragePath
	}

	c.applyEnvLocked()
	return nil
}

func (c *Config) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvLocked()
}

func (c *Config) applyEnvLocked() {
	if v := os.Getenv(EnvOverrideURL); v != "" {
		c.overrideURL = v
	}
}

func parseDuration(logger *zap.Logger, field, raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("Invalid duration in config, keeping default",
			zap.String("field", field), zap.String("value", raw), zap.Error(err))
		return 0, false
	}
	return d, true
}

func (c *Config) OverrideURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overrideURL
}

// SetOverrideURL pins the backend URL programmatically, equivalent to the
// MAESTRO_SERVER_URL environment variable.
func (c *Config) SetOverrideURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrideURL = u
}

func (c *Config) ServiceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serviceName
}

func (c *Config) SetServiceName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceName = name
}

func (c *Config) APIPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiPath
}

func (c *Config) SSEPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssePath
}

func (c *Config) ScanTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanTimeout
}

func (c *Config) SetScanTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanTimeout = d
}

func (c *Config) ProbeTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.probeTimeout
}

func (c *Config) SetProbeTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeTimeout = d
}

func (c *Config) SessionHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionHeader
}

func (c *Config) TopicsHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topicsHeader
}

func (c *Config) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, len(c.topics))
	copy(topics, c.topics)
	return topics
}

func (c *Config) SetTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append([]string{}, topics...)
}

func (c *Config) InitialDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialDelay
}

func (c *Config) Multiplier() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multiplier
}

func (c *Config) MaxDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxDelay
}

func (c *Config) MaxAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAttempts
}

func (c *Config) SetReconnect(initial time.Duration, multiplier float64, max time.Duration, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialDelay = initial
	c.multiplier = multiplier
	c.maxDelay = max
	c.maxAttempts = attempts
}

func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storagePath
}

func (c *Config) SetStoragePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storagePath = path
}
