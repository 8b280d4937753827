// Package config provides configuration management for the counting service
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/SpatialCount/internal/detection"
	"github.com/Spatial-NVR/SpatialCount/internal/pipeline"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "COUNTER_"

// Config represents the service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Detector   DetectorConfig   `yaml:"detector" envPrefix:"DETECTOR_"`
	Processing ProcessingConfig `yaml:"processing" envPrefix:"PROCESSING_"`
	Stream     StreamConfig     `yaml:"stream" envPrefix:"STREAM_"`
	Events     EventsConfig     `yaml:"events" envPrefix:"EVENTS_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOGGING_"`

	mu       sync.RWMutex      `yaml:"-"`
	path     string            `yaml:"-"`
	watchers []func(*Config)   `yaml:"-"`
	watcher  *fsnotify.Watcher `yaml:"-"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host        string   `yaml:"host" env:"HOST"`
	Port        int      `yaml:"port" env:"PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	// RateLimit is the number of write requests allowed per client per minute
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// DetectorConfig holds inference service settings
type DetectorConfig struct {
	Address             string        `yaml:"address" env:"ADDRESS"`
	Timeout             time.Duration `yaml:"timeout" env:"TIMEOUT"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	NMSThreshold        float64       `yaml:"nms_threshold" env:"NMS_THRESHOLD"`
	TargetClasses       string        `yaml:"target_classes" env:"TARGET_CLASSES"`
}

// ProcessingConfig holds the per-frame scheduling settings shared by every camera
type ProcessingConfig struct {
	ActiveModeProcessNthFrame      int     `yaml:"active_mode_process_nth_frame" env:"ACTIVE_MODE_PROCESS_NTH_FRAME"`
	IdleScanModeEnabled            bool    `yaml:"idle_scan_mode_enabled" env:"IDLE_SCAN_MODE_ENABLED"`
	IdleScanModeIntervalSeconds    int     `yaml:"idle_scan_mode_interval_seconds" env:"IDLE_SCAN_MODE_INTERVAL_SECONDS"`
	ActiveStateTimeoutSeconds      int     `yaml:"active_state_timeout_seconds" env:"ACTIVE_STATE_TIMEOUT_SECONDS"`
	MotionDetectionThreshold       float64 `yaml:"motion_detection_threshold" env:"MOTION_DETECTION_THRESHOLD"`
	MotionPixelDifferenceThreshold int     `yaml:"motion_pixel_difference_threshold" env:"MOTION_PIXEL_DIFFERENCE_THRESHOLD"`
	JPEGQuality                    int     `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

// StreamConfig holds stream decode and reconnect settings
type StreamConfig struct {
	// Backend is gstreamer or opencv. The opencv backend needs the opencv build tag.
	Backend      string        `yaml:"backend" env:"BACKEND"`
	OpenTimeout  time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	StopTimeout  time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
}

// EventsConfig holds the embedded NATS server settings
type EventsConfig struct {
	Host string `yaml:"host" env:"HOST"`
	// Port -1 picks a random free port
	Port       int `yaml:"port" env:"PORT"`
	MaxPayload int `yaml:"max_payload" env:"MAX_PAYLOAD"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns a configuration with every default applied and no backing file
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file, then applies defaults and environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Keys missing from the file keep their defaults
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	cfg.path = path

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults plus environment when the file does not exist
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	cfg.path = path
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Watch starts watching the configuration file. Changes are debounced and then
// handed to every OnChange callback.
func (c *Config) Watch() error {
	c.mu.Lock()
	if c.watcher != nil {
		c.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	c.watcher = watcher
	path := c.path
	c.mu.Unlock()

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					if debounce != nil {
						debounce.Stop()
					}
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, c.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	// Editors often replace the file, so the directory is watched
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	return nil
}

// Close stops watching the configuration file
func (c *Config) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()

	newCfg, err := Load(path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Server = newCfg.Server
	c.Database = newCfg.Database
	c.Detector = newCfg.Detector
	c.Processing = newCfg.Processing
	c.Stream = newCfg.Stream
	c.Events = newCfg.Events
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "path", path)

	for _, fn := range watchers {
		fn(c)
	}
}

// Path returns the configuration file path
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// PipelineSettings converts the processing and detector sections into pipeline settings
func (c *Config) PipelineSettings() pipeline.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := c.Processing
	s := pipeline.Settings{
		ActiveNthFrame:       p.ActiveModeProcessNthFrame,
		IdleScanEnabled:      p.IdleScanModeEnabled,
		IdleScanInterval:     time.Duration(p.IdleScanModeIntervalSeconds) * time.Second,
		ActiveTimeout:        time.Duration(p.ActiveStateTimeoutSeconds) * time.Second,
		MotionAreaThreshold:  p.MotionDetectionThreshold,
		MotionPixelThreshold: clampByte(p.MotionPixelDifferenceThreshold),
		JPEGQuality:          p.JPEGQuality,
		Confidence:           c.Detector.ConfidenceThreshold,
		NMS:                  c.Detector.NMSThreshold,
		Classes:              detection.ParseClasses(c.Detector.TargetClasses),
	}
	return s.Normalize()
}

func clampByte(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// setDefaults fills every field with its default value
func (c *Config) setDefaults() {
	def := pipeline.DefaultSettings()

	c.Server = ServerConfig{
		Host:        "0.0.0.0",
		Port:        8080,
		CORSOrigins: []string{"*"},
		RateLimit:   60,
	}
	c.Database = DatabaseConfig{Path: "/data/counter.db"}
	c.Detector = DetectorConfig{
		Address:             "http://localhost:5000",
		Timeout:             10 * time.Second,
		ConfidenceThreshold: def.Confidence,
		NMSThreshold:        def.NMS,
		TargetClasses:       "person",
	}
	c.Processing = ProcessingConfig{
		ActiveModeProcessNthFrame:      def.ActiveNthFrame,
		IdleScanModeEnabled:            def.IdleScanEnabled,
		IdleScanModeIntervalSeconds:    int(def.IdleScanInterval / time.Second),
		ActiveStateTimeoutSeconds:      int(def.ActiveTimeout / time.Second),
		MotionDetectionThreshold:       def.MotionAreaThreshold,
		MotionPixelDifferenceThreshold: int(def.MotionPixelThreshold),
		JPEGQuality:                    def.JPEGQuality,
	}
	c.Stream = StreamConfig{
		Backend:      "gstreamer",
		OpenTimeout:  5 * time.Second,
		RetryDelay:   5 * time.Second,
		StopTimeout:  2 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
	c.Events = EventsConfig{
		Host:       "127.0.0.1",
		Port:       4222,
		MaxPayload: 8 * 1024 * 1024,
	}
	c.Logging = LoggingConfig{Level: "info", Format: "json"}
}

// normalize replaces invalid values after the file and environment are applied.
// A non-positive Nth frame setting is clamped to 1 rather than reset.
func (c *Config) normalize() {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = def.Server.Port
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = def.Server.CORSOrigins
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = def.Server.RateLimit
	}

	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}

	if c.Detector.Address == "" {
		c.Detector.Address = def.Detector.Address
	}
	if c.Detector.Timeout <= 0 {
		c.Detector.Timeout = def.Detector.Timeout
	}
	if c.Detector.ConfidenceThreshold <= 0 || c.Detector.ConfidenceThreshold > 1 {
		c.Detector.ConfidenceThreshold = def.Detector.ConfidenceThreshold
	}
	if c.Detector.NMSThreshold <= 0 || c.Detector.NMSThreshold > 1 {
		c.Detector.NMSThreshold = def.Detector.NMSThreshold
	}

	p, dp := &c.Processing, def.Processing
	if p.ActiveModeProcessNthFrame < 1 {
		p.ActiveModeProcessNthFrame = 1
	}
	// 0 scans every frame while idle
	if p.IdleScanModeIntervalSeconds < 0 {
		p.IdleScanModeIntervalSeconds = dp.IdleScanModeIntervalSeconds
	}
	if p.ActiveStateTimeoutSeconds <= 0 {
		p.ActiveStateTimeoutSeconds = dp.ActiveStateTimeoutSeconds
	}
	if p.MotionDetectionThreshold <= 0 || p.MotionDetectionThreshold > 1 {
		p.MotionDetectionThreshold = dp.MotionDetectionThreshold
	}
	// 0 counts any luminance change
	if p.MotionPixelDifferenceThreshold < 0 || p.MotionPixelDifferenceThreshold > 255 {
		p.MotionPixelDifferenceThreshold = dp.MotionPixelDifferenceThreshold
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		p.JPEGQuality = dp.JPEGQuality
	}

	switch c.Stream.Backend {
	case "gstreamer", "opencv":
	default:
		slog.Warn("Unknown stream backend, using gstreamer", "backend", c.Stream.Backend)
		c.Stream.Backend = def.Stream.Backend
	}
	if c.Stream.OpenTimeout <= 0 {
		c.Stream.OpenTimeout = def.Stream.OpenTimeout
	}
	if c.Stream.RetryDelay <= 0 {
		c.Stream.RetryDelay = def.Stream.RetryDelay
	}
	if c.Stream.StopTimeout <= 0 {
		c.Stream.StopTimeout = def.Stream.StopTimeout
	}
	if c.Stream.ProbeTimeout <= 0 {
		c.Stream.ProbeTimeout = def.Stream.ProbeTimeout
	}

	if c.Events.Host == "" {
		c.Events.Host = def.Events.Host
	}
	if c.Events.MaxPayload <= 0 {
		c.Events.MaxPayload = def.Events.MaxPayload
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}
