package config

import (
	"os"
	"strconv"
	"time"

	"github.com/edge-robotics/knowbase/pkg/database"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	Environment string
	Transport   TransportConfig
	Admin       AdminConfig
	Database    database.Config
	Reasoner    ReasonerConfig
	Lifespan    LifespanConfig
	Ontology    OntologyConfig
	LogLevel    logrus.Level
	LogFile     string
}

// TransportConfig holds the line-delimited socket listener configuration
type TransportConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AdminConfig holds the debug/admin HTTP surface configuration
type AdminConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ReasonerConfig controls the RDFS reasoner worker's tick rate
type ReasonerConfig struct {
	TickRate time.Duration
}

// LifespanConfig controls the expiry sweeper worker's tick rate
type LifespanConfig struct {
	TickRate time.Duration
}

// OntologyConfig points at the bundled ontology files loaded at startup
type OntologyConfig struct {
	InitialFile string
	BundledDir  string
}

// Load loads the application configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	reasonerHz := getEnvAsInt("REASONER_RATE_HZ", 5)
	lifespanHz := getEnvAsInt("LIFESPAN_RATE_HZ", 2)

	config := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Transport: TransportConfig{
			Port:         getEnv("KB_PORT", "6969"),
			ReadTimeout:  time.Duration(getEnvAsInt("KB_READ_TIMEOUT", 0)) * time.Second,
			WriteTimeout: time.Duration(getEnvAsInt("KB_WRITE_TIMEOUT", 0)) * time.Second,
		},
		Admin: AdminConfig{
			Port:         getEnv("ADMIN_PORT", "6970"),
			ReadTimeout:  time.Duration(getEnvAsInt("ADMIN_READ_TIMEOUT", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvAsInt("ADMIN_WRITE_TIMEOUT", 10)) * time.Second,
			IdleTimeout:  time.Duration(getEnvAsInt("ADMIN_IDLE_TIMEOUT", 120)) * time.Second,
		},
		Database: database.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "knowbase"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Reasoner: ReasonerConfig{
			TickRate: time.Second / time.Duration(reasonerHz),
		},
		Lifespan: LifespanConfig{
			TickRate: time.Second / time.Duration(lifespanHz),
		},
		Ontology: OntologyConfig{
			InitialFile: getEnv("KB_INITIAL_ONTOLOGY", ""),
			BundledDir:  getEnv("KB_ONTOLOGY_DIR", "ontology"),
		},
		LogLevel: getLogLevel(getEnv("LOG_LEVEL", "info")),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	// Initialize logger
	logger.Init(config.LogLevel, config.LogFile)

	logger.WithFields(logger.Fields{
		"environment":    config.Environment,
		"transport_port": config.Transport.Port,
		"admin_port":     config.Admin.Port,
		"db_host":        config.Database.Host,
		"db_name":        config.Database.DBName,
		"log_level":      config.LogLevel.String(),
	}).Info("Configuration loaded")

	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getLogLevel converts a string log level to a logrus.Level
func getLogLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
