package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML layout of TANDEM_CONFIG_FILE. Unset fields keep
// their defaults.
type FileConfig struct {
	Server struct {
		Addr       string `yaml:"addr"`
		CORSOrigin string `yaml:"cors_origin"`
	} `yaml:"server"`

	Database struct {
		URL           string `yaml:"url"`
		MigrationsDir string `yaml:"migrations_dir"`
	} `yaml:"database"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Snapshots struct {
		ArchiveDir string `yaml:"archive_dir"`
		Schedule   string `yaml:"schedule"`
	} `yaml:"snapshots"`

	Search struct {
		MeiliURL       string `yaml:"meili_url"`
		MeiliMasterKey string `yaml:"meili_master_key"`
	} `yaml:"search"`

	Sessions struct {
		IdleGrace string `yaml:"idle_grace"`
	} `yaml:"sessions"`

	Generation struct {
		Producer         string  `yaml:"producer"`
		Timeout          string  `yaml:"timeout"`
		MaxTimeout       string  `yaml:"max_timeout"`
		Retention        string  `yaml:"retention"`
		MaxRebase        int     `yaml:"max_rebase"`
		BatchesPerSecond float64 `yaml:"batches_per_second"`
	} `yaml:"generation"`

	Sync struct {
		SubmitsPerSecond float64 `yaml:"submits_per_second"`
		SubmitBurst      int     `yaml:"submit_burst"`
		MailboxSize      int     `yaml:"mailbox_size"`
	} `yaml:"sync"`

	OpenAI struct {
		APIKey     string `yaml:"api_key"`
		BaseURL    string `yaml:"base_url"`
		Model      string `yaml:"model"`
		ChunkRunes int    `yaml:"chunk_runes"`
	} `yaml:"openai"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.Addr, file.Server.Addr)
	setString(&cfg.CORSOrigin, file.Server.CORSOrigin)
	setString(&cfg.DatabaseURL, file.Database.URL)
	setString(&cfg.MigrationsDir, file.Database.MigrationsDir)
	setString(&cfg.RedisURL, file.Redis.URL)
	setString(&cfg.ArchiveDir, file.Snapshots.ArchiveDir)
	setString(&cfg.SnapshotSchedule, file.Snapshots.Schedule)
	setString(&cfg.MeiliURL, file.Search.MeiliURL)
	setString(&cfg.MeiliMasterKey, file.Search.MeiliMasterKey)
	setString(&cfg.Producer, file.Generation.Producer)
	setString(&cfg.OpenAIAPIKey, file.OpenAI.APIKey)
	setString(&cfg.OpenAIBaseURL, file.OpenAI.BaseURL)
	setString(&cfg.OpenAIModel, file.OpenAI.Model)

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"sessions.idle_grace", file.Sessions.IdleGrace, &cfg.SessionIdleGrace},
		{"generation.timeout", file.Generation.Timeout, &cfg.GenerationTimeout},
		{"generation.max_timeout", file.Generation.MaxTimeout, &cfg.GenerationMaxTimeout},
		{"generation.retention", file.Generation.Retention, &cfg.GenerationRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if file.Generation.MaxRebase > 0 {
		cfg.GenerationMaxRebase = file.Generation.MaxRebase
	}
	if file.Generation.BatchesPerSecond > 0 {
		cfg.GenerationBatchesPerSecond = file.Generation.BatchesPerSecond
	}
	if file.Sync.SubmitsPerSecond > 0 {
		cfg.SyncSubmitsPerSecond = file.Sync.SubmitsPerSecond
	}
	if file.Sync.SubmitBurst > 0 {
		cfg.SyncSubmitBurst = file.Sync.SubmitBurst
	}
	if file.Sync.MailboxSize > 0 {
		cfg.SyncMailboxSize = file.Sync.MailboxSize
	}
	if file.OpenAI.ChunkRunes > 0 {
		cfg.OpenAIChunkRunes = file.OpenAI.ChunkRunes
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
