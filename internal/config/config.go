// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultClasses is the class text offered to new sessions.
const DefaultClasses = "person, backpack, ball, cat, building, football"

// Config holds every runtime setting.
type Config struct {
	Addr      string
	StaticDir string
	DBPath    string
	WorkDir   string

	Detector       string // "yoloworld" or "mock"
	Python         string
	DetectorScript string
	Weights        string
	MinConfidence  float64
	// DetectorTimeout bounds one detector request; 0 disables it.
	DetectorTimeout time.Duration

	Codec     string
	OutputFPS float64 // 0 means follow the input

	MaxUploadMB    int64
	SessionTTL     time.Duration
	DefaultClasses string
	Tray           bool
}

// Load reads an optional .env file and then the environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) *Config {
	// A missing .env is normal.
	_ = godotenv.Load(envFiles...)

	return &Config{
		Addr:            getEnv("DRISHTI_ADDR", ":8080"),
		StaticDir:       getEnv("DRISHTI_STATIC_DIR", filepath.Join(".", "web")),
		DBPath:          getEnv("DRISHTI_DB_PATH", ":memory:"),
		WorkDir:         getEnv("DRISHTI_WORK_DIR", filepath.Join(os.TempDir(), "drishti")),
		Detector:        strings.ToLower(getEnv("DRISHTI_DETECTOR", "yoloworld")),
		Python:          getEnv("DRISHTI_PYTHON", ""),
		DetectorScript:  getEnv("DRISHTI_DETECTOR_SCRIPT", ""),
		Weights:         getEnv("DRISHTI_WEIGHTS", "yolov8x-worldv2.pt"),
		MinConfidence:   getEnvAsFloat("DRISHTI_MIN_CONFIDENCE", 0.25),
		DetectorTimeout: getEnvAsDuration("DRISHTI_DETECTOR_TIMEOUT", 2*time.Minute),
		Codec:           getEnv("DRISHTI_CODEC", "mp4v"),
		OutputFPS:       getEnvAsFloat("DRISHTI_OUTPUT_FPS", 0),
		MaxUploadMB:     getEnvAsInt64("DRISHTI_MAX_UPLOAD_MB", 512),
		SessionTTL:      getEnvAsDuration("DRISHTI_SESSION_TTL", 30*time.Minute),
		DefaultClasses:  getEnv("DRISHTI_DEFAULT_CLASSES", DefaultClasses),
		Tray:            getEnvAsBool("DRISHTI_TRAY", false),
	}
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
