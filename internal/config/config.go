package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings resolved once at startup.
type Config struct {
	Port string

	APIURL           string
	APIKey           string
	Workspace        string
	Project          string
	ModelVersion     int
	InferenceTimeout time.Duration

	Annotate       bool
	TempDir        string
	MaxUploadBytes int64
	MaxImagePixels int64

	LogLevel    string
	GinMode     string
	CORSOrigins []string

	RedisAddr         string
	InferenceCacheTTL time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	JWTSecret   string
	JWTAudience string
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	return Config{
		Port:              getEnv("PORT", "5000"),
		APIURL:            strings.TrimRight(getEnv("ROBOFLOW_API_URL", "https://detect.roboflow.com"), "/"),
		APIKey:            os.Getenv("ROBOFLOW_API_KEY"),
		Workspace:         os.Getenv("ROBOFLOW_WORKSPACE"),
		Project:           os.Getenv("ROBOFLOW_PROJECT"),
		ModelVersion:      getEnvAsInt("ROBOFLOW_PROJECT_VERSION", 3),
		InferenceTimeout:  getEnvAsDuration("INFERENCE_TIMEOUT", 30*time.Second),
		Annotate:          getEnvAsBool("ANNOTATE", true),
		TempDir:           getEnv("TEMP_DIR", os.TempDir()),
		MaxUploadBytes:    getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
		MaxImagePixels:    getEnvAsInt64("MAX_IMAGE_PIXELS", 25_000_000),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		GinMode:           getEnv("GIN_MODE", "release"),
		CORSOrigins:       splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		InferenceCacheTTL: getEnvAsDuration("INFERENCE_CACHE_TTL", 5*time.Minute),
		DatabaseDriver:    getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTAudience:       os.Getenv("JWT_AUDIENCE"),
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("ROBOFLOW_API_KEY is required"))
	}
	if c.Project == "" {
		errs = append(errs, errors.New("ROBOFLOW_PROJECT is required"))
	}
	if c.ModelVersion <= 0 {
		errs = append(errs, errors.New("ROBOFLOW_PROJECT_VERSION must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, errors.New("DATABASE_DRIVER must be postgres or sqlite"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address derived from Port.
func (c Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
