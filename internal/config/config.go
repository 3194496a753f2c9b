package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LaneConfig describes one monitored approach
type LaneConfig struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

type Config struct {
	// Application
	Version        string
	Environment    string
	IntersectionID string
	Port           int
	LogLevel       string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// Lanes
	LaneCount int
	LanesFile string
	Lanes     []LaneConfig

	// Capture
	CaptureWidth      int
	CaptureHeight     int
	ReadErrorBackoff  time.Duration
	MaxReadBackoff    time.Duration
	FrameSkipInterval int

	// AI Processing
	AIEnabled bool
	AIGRPCURL string
	AITimeout time.Duration

	// Signal timing
	MinGreen                time.Duration
	MaxGreen                time.Duration
	LowCongestionThreshold  int
	HighCongestionThreshold int
	SignalPollInterval      time.Duration

	// Stream Output
	OutputQuality          int
	PublishingFPS          int
	FrameStallPollInterval time.Duration
	LivePushInterval       time.Duration

	// Messaging: "nats", "mqtt" or "none"
	MessagingBackend string

	// NATS
	// Default: nats://localhost:4222 (works with Docker Compose setup)
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int

	// MQTT
	MQTTBroker   string
	MQTTClientID string
	MQTTQoS      int

	// Subjects / topics
	SignalsSubject  string
	VehiclesSubject string
	PhaseSubject    string

	// Persistence of the latest per-lane snapshot (empty disables)
	DBPath         string
	ReportInterval time.Duration

	// Swagger Configuration
	SwaggerHost string

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		// Application
		Version:        getEnv("VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		IntersectionID: getEnv("INTERSECTION_ID", "intersection-1"),
		Port:           getEnvInt("PORT", 5000),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// Lanes
		LaneCount: getEnvInt("LANE_COUNT", 4),
		LanesFile: getEnv("LANES_FILE", ""),

		// Capture (the dashboard tiles are small, so ask the decoder for 320x240)
		CaptureWidth:      getEnvInt("CAPTURE_WIDTH", 320),
		CaptureHeight:     getEnvInt("CAPTURE_HEIGHT", 240),
		ReadErrorBackoff:  getEnvDuration("READ_ERROR_BACKOFF", 50*time.Millisecond),
		MaxReadBackoff:    getEnvDuration("MAX_READ_BACKOFF", 2*time.Second),
		FrameSkipInterval: getEnvInt("FRAME_SKIP_INTERVAL", 3),

		// AI Processing
		AIEnabled: getEnvBool("AI_ENABLED", true),
		AIGRPCURL: getEnv("AI_GRPC_URL", "localhost:50052"),
		AITimeout: getEnvDuration("AI_TIMEOUT", 5*time.Second),

		// Signal timing
		MinGreen:                time.Duration(getEnvInt("MIN_GREEN_SECONDS", 10)) * time.Second,
		MaxGreen:                time.Duration(getEnvInt("MAX_GREEN_SECONDS", 60)) * time.Second,
		LowCongestionThreshold:  getEnvInt("LOW_CONGESTION_THRESHOLD", 5),
		HighCongestionThreshold: getEnvInt("HIGH_CONGESTION_THRESHOLD", 15),
		SignalPollInterval:      getEnvDuration("SIGNAL_POLL_INTERVAL", time.Second),

		// Stream Output
		OutputQuality:          getEnvInt("OUTPUT_QUALITY", 80),
		PublishingFPS:          getEnvInt("PUBLISHING_FPS", 15),
		FrameStallPollInterval: getEnvDuration("FRAME_STALL_POLL_INTERVAL", 100*time.Millisecond),
		LivePushInterval:       getEnvDuration("LIVE_PUSH_INTERVAL", time.Second),

		// Messaging
		MessagingBackend: strings.ToLower(getEnv("MESSAGING_BACKEND", "none")),

		// NATS (configured for Docker Compose setup)
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited

		// MQTT
		MQTTBroker:   getEnv("MQTT_BROKER", "localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", ""),
		MQTTQoS:      getEnvInt("MQTT_QOS", 0),

		// Subjects
		SignalsSubject:  getEnv("SIGNALS_SUBJECT", "intersection.signals"),
		VehiclesSubject: getEnv("VEHICLES_SUBJECT", "intersection.vehicles"),
		PhaseSubject:    getEnv("PHASE_SUBJECT", "intersection.phase"),

		// Persistence
		DBPath:         getEnv("DB_PATH", ""),
		ReportInterval: getEnvDuration("REPORT_INTERVAL", 5*time.Second),

		// Swagger
		SwaggerHost: getEnv("SWAGGER_HOST", "localhost:5000"),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = cfg.IntersectionID
	}

	lanes, err := loadLanes(cfg.LanesFile, getEnv("LANE_SOURCES", ""), cfg.LaneCount)
	if err != nil {
		return nil, err
	}
	cfg.Lanes = lanes
	cfg.LaneCount = len(lanes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker cannot run with. These are startup
// faults: the caller is expected to exit.
func (c *Config) Validate() error {
	var errs []error
	if c.LaneCount < 1 {
		errs = append(errs, fmt.Errorf("lane count must be at least 1, got %d", c.LaneCount))
	}
	if len(c.Lanes) != c.LaneCount {
		errs = append(errs, fmt.Errorf("expected %d lane sources, got %d", c.LaneCount, len(c.Lanes)))
	}
	for i, lane := range c.Lanes {
		if strings.TrimSpace(lane.Source) == "" {
			errs = append(errs, fmt.Errorf("lane %d has no video source", i))
		}
	}
	if c.FrameSkipInterval < 1 {
		errs = append(errs, fmt.Errorf("frame skip interval must be >= 1, got %d", c.FrameSkipInterval))
	}
	if c.MinGreen <= 0 {
		errs = append(errs, fmt.Errorf("min green must be positive, got %s", c.MinGreen))
	}
	if c.MaxGreen < c.MinGreen {
		errs = append(errs, fmt.Errorf("max green (%s) is shorter than min green (%s)", c.MaxGreen, c.MinGreen))
	}
	if c.LowCongestionThreshold < 0 || c.HighCongestionThreshold < c.LowCongestionThreshold {
		errs = append(errs, fmt.Errorf("congestion thresholds must satisfy 0 <= low (%d) <= high (%d)",
			c.LowCongestionThreshold, c.HighCongestionThreshold))
	}
	if c.SignalPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("signal poll interval must be positive, got %s", c.SignalPollInterval))
	}
	if c.PublishingFPS < 1 {
		errs = append(errs, fmt.Errorf("publishing fps must be >= 1, got %d", c.PublishingFPS))
	}
	if c.OutputQuality < 1 || c.OutputQuality > 100 {
		errs = append(errs, fmt.Errorf("output quality must be in 1..100, got %d", c.OutputQuality))
	}
	switch c.MessagingBackend {
	case "nats", "mqtt", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown messaging backend %q (supported: nats, mqtt, none)", c.MessagingBackend))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

type lanesFile struct {
	Lanes []LaneConfig `yaml:"lanes"`
}

// loadLanes resolves per-lane sources from a YAML file when given, otherwise
// from a comma-separated list. A single source is shared by every lane.
func loadLanes(path, sources string, count int) ([]LaneConfig, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read lanes file %s: %w", path, err)
		}
		var lf lanesFile
		if err := yaml.Unmarshal(data, &lf); err != nil {
			return nil, fmt.Errorf("failed to parse lanes file %s: %w", path, err)
		}
		for i := range lf.Lanes {
			if lf.Lanes[i].Name == "" {
				lf.Lanes[i].Name = fmt.Sprintf("lane-%d", i+1)
			}
		}
		return lf.Lanes, nil
	}

	var list []string
	for _, s := range strings.Split(sources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 1 && count > 1 {
		for len(list) < count {
			list = append(list, list[0])
		}
	}

	lanes := make([]LaneConfig, 0, count)
	for i := 0; i < count; i++ {
		lane := LaneConfig{Name: fmt.Sprintf("lane-%d", i+1)}
		if i < len(list) {
			lane.Source = list[i]
		}
		lanes = append(lanes, lane)
	}
	if len(list) > count {
		return nil, fmt.Errorf("LANE_SOURCES lists %d sources for %d lanes", len(list), count)
	}
	return lanes, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	// If running in Docker, use service name; otherwise use localhost
	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
