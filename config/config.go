package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	ServerPort         int
	APIPort            int
	OCPPPath           string
	CORSAllowedOrigins []string

	// Store configuration
	StoreDriver string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	// OCPP configuration
	HeartbeatInterval int
	CallTimeout       time.Duration
	FaultThreshold    int

	// Pipeline configuration
	PipelineTriggers   []string
	PipeletTimeout     time.Duration
	PipeletInterpreter string
	PipeletMaxOutput   int
	WorkflowsFile      string

	// Log bus
	LogHistorySize     int
	LogSubscriberQueue int

	// Simulator
	SimulatorURL string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		OCPPPath:           getEnv("OCPP_PATH", "/ocpp"),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", "*"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "pipelets"),
		DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),
		SQLitePath:  getEnv("SQLITE_PATH", "pipelets.db"),

		PipelineTriggers:   getList("PIPELINE_TRIGGERS", "BootNotification,Heartbeat,Authorize,StartTransaction,StopTransaction,StatusNotification"),
		PipeletInterpreter: getEnv("PIPELET_INTERPRETER", "python3 -I"),
		WorkflowsFile:      getEnv("WORKFLOWS_FILE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	ints := []struct {
		key      string
		fallback string
		target   *int
	}{
		{"SERVER_PORT", "8887", &cfg.ServerPort},
		{"API_PORT", "8888", &cfg.APIPort},
		{"DB_PORT", "5432", &cfg.DBPort},
		{"HEARTBEAT_INTERVAL", "300", &cfg.HeartbeatInterval},
		{"FAULT_THRESHOLD", "3", &cfg.FaultThreshold},
		{"PIPELET_MAX_OUTPUT", "1048576", &cfg.PipeletMaxOutput},
		{"LOG_HISTORY_SIZE", "1000", &cfg.LogHistorySize},
		{"LOG_SUBSCRIBER_QUEUE", "256", &cfg.LogSubscriberQueue},
	}
	for _, v := range ints {
		n, err := strconv.Atoi(getEnv(v.key, v.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %v", v.key, err)
		}
		*v.target = n
	}

	durations := []struct {
		key      string
		fallback string
		target   *time.Duration
	}{
		{"CALL_TIMEOUT", "30s", &cfg.CallTimeout},
		{"PIPELET_TIMEOUT", "1500ms", &cfg.PipeletTimeout},
	}
	for _, v := range durations {
		d, err := time.ParseDuration(getEnv(v.key, v.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %v", v.key, err)
		}
		*v.target = d
	}

	// Simulators dial the local OCPP listener unless told otherwise
	cfg.SimulatorURL = getEnv("SIMULATOR_URL", fmt.Sprintf("ws://localhost:%d%s", cfg.ServerPort, cfg.OCPPPath))

	switch cfg.StoreDriver {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: must be positive")
	}

	return cfg, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger configures the global logger
func (c *Config) SetupLogger() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Helper function to get environment variables with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getList splits a comma separated variable, dropping empty items.
func getList(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, fallback), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
