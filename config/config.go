package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the detection pipeline service.
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port           string
	JWTSecret      string
	AllowedOrigins string

	// Upload store (image source)
	UploadURL         string
	UploadAccessToken string
	FetchTimeout      time.Duration
	FetchMaxAttempts  int

	// Model artifacts
	DetectorModelPath string
	EmbedderModelPath string
	ORTLibraryPath    string
	DetectorInputSize int
	ConfThreshold     float64
	IoUThreshold      float64

	// Similarity index
	IndexPath         string
	EmbeddingDim      int
	EmbedSimThreshold float64
	EmbedSearchK      int

	// Dedup gate
	SpatialRadiusM float64
	TemporalWindow time.Duration
	PHashThreshold int
	PHashLookback  time.Duration

	// Grouping
	AttachRadiusM float64
	ClusterEpsM   float64
	ClusterMinPts int

	// RabbitMQ
	AMQPURL             string
	RabbitMQExchange    string
	RabbitMQDetectQueue string
	DetectRoutingKey    string
	StatusRoutingKey    string
	RabbitMQWorkers     int

	// Geocoding
	NominatimURL string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "ecocity"),

		Port:           getEnv("PORT", "8080"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		UploadURL:         getEnv("UPLOAD_URL", "http://localhost:8000"),
		UploadAccessToken: getEnv("UPLOAD_ACCESS_TOKEN", ""),
		FetchTimeout:      getDurationEnv("FETCH_TIMEOUT", 60*time.Second),
		FetchMaxAttempts:  getIntEnv("FETCH_MAX_ATTEMPTS", 3),

		DetectorModelPath: getEnv("MODEL_PATH", "/opt/ecocity/weights/best_classes.onnx"),
		EmbedderModelPath: getEnv("EMBED_MODEL_PATH", "/opt/ecocity/weights/embedder.onnx"),
		ORTLibraryPath:    getEnv("ORT_LIBRARY_PATH", ""),
		DetectorInputSize: getIntEnv("DETECTOR_INPUT_SIZE", 640),
		ConfThreshold:     getFloatEnv("CONF_THRESHOLD", 0.25),
		IoUThreshold:      getFloatEnv("IOU_THRESHOLD", 0.45),

		IndexPath:         getEnv("SIM_INDEX_PATH", "simindex.bin"),
		EmbeddingDim:      getIntEnv("EMBEDDING_DIM", 576),
		EmbedSimThreshold: getFloatEnv("EMBED_SIM_THRESHOLD", 0.90),
		EmbedSearchK:      getIntEnv("EMBED_SEARCH_K", 5),

		SpatialRadiusM: getFloatEnv("SPATIAL_RADIUS_M", 50),
		TemporalWindow: getDurationEnv("TEMPORAL_WINDOW", 30*time.Minute),
		PHashThreshold: getIntEnv("PHASH_THRESHOLD", 8),
		PHashLookback:  getDurationEnv("PHASH_LOOKBACK", 7*24*time.Hour),

		AttachRadiusM: getFloatEnv("ATTACH_RADIUS_M", 500),
		ClusterEpsM:   getFloatEnv("CLUSTER_EPS_M", 500),
		ClusterMinPts: getIntEnv("CLUSTER_MIN_PTS", 3),

		AMQPURL:             getEnv("AMQP_URL", ""),
		RabbitMQExchange:    getEnv("RABBITMQ_EXCHANGE", "ecocity-reports"),
		RabbitMQDetectQueue: getEnv("RABBITMQ_DETECT_QUEUE", "ecocity-detect"),
		DetectRoutingKey:    getEnv("RABBITMQ_DETECT_ROUTING_KEY", "report.detect"),
		StatusRoutingKey:    getEnv("RABBITMQ_STATUS_ROUTING_KEY", "report.status"),
		RabbitMQWorkers:     getIntEnv("RABBITMQ_WORKERS", 4),

		NominatimURL: getEnv("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// DSN builds the MySQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
