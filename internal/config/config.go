package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// DatabaseURL enables the snapshot and generation history tables.
	DatabaseURL   string
	MigrationsDir string
	// RedisURL enables the shared generation status store and the event mirror.
	RedisURL         string
	ArchiveDir       string
	SnapshotSchedule string
	// MeiliURL enables full-text search over open documents.
	MeiliURL       string
	MeiliMasterKey string

	SessionIdleGrace time.Duration

	Producer                   string
	GenerationTimeout          time.Duration
	GenerationMaxTimeout       time.Duration
	GenerationRetention        time.Duration
	GenerationMaxRebase        int
	GenerationBatchesPerSecond float64

	SyncSubmitsPerSecond float64
	SyncSubmitBurst      int
	SyncMailboxSize      int

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAIChunkRunes int
}

// Defaults is the configuration with nothing set.
func Defaults() Config {
	return Config{
		Addr:                 ":8787",
		CORSOrigin:           "*",
		SnapshotSchedule:     "@every 5m",
		SessionIdleGrace:     5 * time.Minute,
		GenerationTimeout:    60 * time.Second,
		GenerationMaxTimeout: 5 * time.Minute,
		GenerationRetention:  10 * time.Minute,
		GenerationMaxRebase:  32,
		SyncSubmitsPerSecond: 50,
		SyncSubmitBurst:      100,
		SyncMailboxSize:      256,
		OpenAIChunkRunes:     48,
	}
}

// Load starts from Defaults, applies the YAML file named by TANDEM_CONFIG_FILE
// if any, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("TANDEM_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg = Config{
		Addr:             getenv("API_ADDR", cfg.Addr),
		CORSOrigin:       getenv("TANDEM_CORS_ORIGIN", cfg.CORSOrigin),
		DatabaseURL:      getenv("DATABASE_URL", cfg.DatabaseURL),
		MigrationsDir:    getenv("TANDEM_MIGRATIONS_DIR", cfg.MigrationsDir),
		RedisURL:         getenv("REDIS_URL", cfg.RedisURL),
		ArchiveDir:       getenv("TANDEM_ARCHIVE_DIR", cfg.ArchiveDir),
		SnapshotSchedule: getenv("TANDEM_SNAPSHOT_SCHEDULE", cfg.SnapshotSchedule),
		MeiliURL:         getenv("MEILI_URL", cfg.MeiliURL),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey),

		SessionIdleGrace: getenvDuration("SESSION_IDLE_GRACE", cfg.SessionIdleGrace),

		Producer:                   getenv("TANDEM_PRODUCER", cfg.Producer),
		GenerationTimeout:          getenvDuration("GENERATION_TIMEOUT", cfg.GenerationTimeout),
		GenerationMaxTimeout:       getenvDuration("GENERATION_MAX_TIMEOUT", cfg.GenerationMaxTimeout),
		GenerationRetention:        getenvDuration("GENERATION_RETENTION", cfg.GenerationRetention),
		GenerationMaxRebase:        getenvInt("GENERATION_MAX_REBASE", cfg.GenerationMaxRebase),
		GenerationBatchesPerSecond: getenvFloat("GENERATION_BATCHES_PER_SECOND", cfg.GenerationBatchesPerSecond),

		SyncSubmitsPerSecond: getenvFloat("SYNC_SUBMITS_PER_SECOND", cfg.SyncSubmitsPerSecond),
		SyncSubmitBurst:      getenvInt("SYNC_SUBMIT_BURST", cfg.SyncSubmitBurst),
		SyncMailboxSize:      getenvInt("SYNC_MAILBOX_SIZE", cfg.SyncMailboxSize),

		OpenAIAPIKey:     getenv("OPENAI_API_KEY", cfg.OpenAIAPIKey),
		OpenAIBaseURL:    getenv("OPENAI_BASE_URL", cfg.OpenAIBaseURL),
		OpenAIModel:      getenv("OPENAI_MODEL", cfg.OpenAIModel),
		OpenAIChunkRunes: getenvInt("OPENAI_CHUNK_RUNES", cfg.OpenAIChunkRunes),
	}
	if cfg.Producer == "" {
		cfg.Producer = "scripted"
		if cfg.OpenAIAPIKey != "" {
			cfg.Producer = "openai"
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Producer {
	case "scripted", "openai":
	default:
		return fmt.Errorf("unknown producer %q (want scripted or openai)", c.Producer)
	}
	if c.Producer == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("producer openai requires OPENAI_API_KEY")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if c.GenerationMaxTimeout < c.GenerationTimeout {
		return fmt.Errorf("GENERATION_MAX_TIMEOUT must not be below GENERATION_TIMEOUT")
	}
	if c.SessionIdleGrace < 0 {
		return fmt.Errorf("SESSION_IDLE_GRACE must not be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or plain seconds ("90").
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
