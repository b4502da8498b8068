// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the databases (always absolute)
	LogLevel string
	LogFile  string
	Port     int
	DevMode  bool

	// AllowedOrigins limits CORS and websocket upgrades; empty allows any origin
	AllowedOrigins []string

	Detection    DetectionConfig
	Catalyst     CatalystConfig
	Scoring      ScoringConfig
	Dedup        DedupConfig
	Distribution DistributionConfig
	Narrative    NarrativeConfig
	Telegram     TelegramConfig
}

// DetectionConfig tunes the rolling-window spike detector
type DetectionConfig struct {
	WindowSize int     // Trailing samples used for mean/stddev
	Threshold  float64 // Deviation multiple above which a sample is a spike
}

// CatalystConfig tunes catalyst lookups
type CatalystConfig struct {
	Window            time.Duration // Half-width of the window around a spike
	MentionThreshold  int           // News/social mentions needed to count as a catalyst
	Timeout           time.Duration // Bound on the evidence lookup
	NarrativeMinDelta float64       // Sentiment swing that counts as a narrative change
}

// ScoringConfig tunes the severity scorer
type ScoringConfig struct {
	CacheTTL        time.Duration
	FrequencyWindow time.Duration // Lookback for the historical spike frequency factor
}

// DedupConfig tunes duplicate suppression
type DedupConfig struct {
	Window            time.Duration
	SignificanceRatio float64 // Relative change that makes two alerts distinct
}

// DistributionConfig tunes live and offline delivery
type DistributionConfig struct {
	BatchInterval    time.Duration
	HeartbeatTimeout time.Duration
	OfflineTTL       time.Duration
	SendTimeout      time.Duration
	ClientRateLimit  float64 // Inbound client messages per second
	WorkerInterval   time.Duration
}

// NarrativeConfig points at the optional hypothesis generator
type NarrativeConfig struct {
	URL     string
	Timeout time.Duration
}

// TelegramConfig configures the optional operator notification sink
type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TICKERPULSE_DATA_DIR", "./data")

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),

		Detection: DetectionConfig{
			WindowSize: getEnvAsInt("SPIKE_WINDOW_SIZE", 20),
			Threshold:  getEnvAsFloat("SPIKE_THRESHOLD", 2.5),
		},
		Catalyst: CatalystConfig{
			Window:            getEnvAsDuration("CATALYST_WINDOW", 24*time.Hour),
			MentionThreshold:  getEnvAsInt("CATALYST_MENTION_THRESHOLD", 3),
			Timeout:           getEnvAsDuration("CATALYST_TIMEOUT", 3*time.Second),
			NarrativeMinDelta: getEnvAsFloat("NARRATIVE_MIN_DELTA", 0.5),
		},
		Scoring: ScoringConfig{
			CacheTTL:        getEnvAsDuration("SCORE_CACHE_TTL", time.Hour),
			FrequencyWindow: getEnvAsDuration("SPIKE_FREQUENCY_WINDOW", 30*24*time.Hour),
		},
		Dedup: DedupConfig{
			Window:            getEnvAsDuration("DEDUP_WINDOW", 5*time.Minute),
			SignificanceRatio: getEnvAsFloat("DEDUP_SIGNIFICANCE", 0.30),
		},
		Distribution: DistributionConfig{
			BatchInterval:    getEnvAsDuration("BATCH_INTERVAL", 5*time.Second),
			HeartbeatTimeout: getEnvAsDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
			OfflineTTL:       getEnvAsDuration("OFFLINE_TTL", 24*time.Hour),
			SendTimeout:      getEnvAsDuration("SEND_TIMEOUT", 5*time.Second),
			ClientRateLimit:  getEnvAsFloat("CLIENT_RATE_LIMIT", 10),
			WorkerInterval:   getEnvAsDuration("DELIVERY_WORKER_INTERVAL", time.Second),
		},
		Narrative: NarrativeConfig{
			URL:     getEnv("NARRATIVE_URL", ""),
			Timeout: getEnvAsDuration("NARRATIVE_TIMEOUT", 4*time.Second),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   int64(getEnvAsInt("TELEGRAM_CHAT_ID", 0)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Detection.WindowSize < 2 {
		return fmt.Errorf("spike window size must be at least 2, got %d", c.Detection.WindowSize)
	}
	if c.Detection.Threshold <= 1 {
		return fmt.Errorf("spike threshold must be greater than 1, got %.2f", c.Detection.Threshold)
	}
	if c.Catalyst.MentionThreshold < 1 {
		return fmt.Errorf("catalyst mention threshold must be positive, got %d", c.Catalyst.MentionThreshold)
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be positive")
	}
	if c.Dedup.SignificanceRatio <= 0 || c.Dedup.SignificanceRatio >= 1 {
		return fmt.Errorf("dedup significance must be in (0,1), got %.2f", c.Dedup.SignificanceRatio)
	}
	if c.Distribution.BatchInterval <= 0 {
		return fmt.Errorf("batch interval must be positive")
	}
	// Telegram is all-or-nothing
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
