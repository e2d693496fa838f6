package config

import (
	"fmt"
	"os"
	"strconv"
)

// DB holds record store connection parameters.
type DB struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DSN renders a pgx-compatible connection string.
func (d DB) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// Config is shared by all three daemons; each reads the slice it needs.
type Config struct {
	DB DB

	InboxDir   string
	ArchiveDir string
	QueueDir   string

	LMStudioURL string
	LMModel     string

	MetricsAddr string

	BatchSize int
}

// Load reads configuration from the environment. Defaults match the
// deployment the pipeline was built for.
func Load() Config {
	return Config{
		DB: DB{
			Host:     envOr("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			Name:     envOr("DB_NAME", "whisper_db"),
			User:     envOr("DB_USER", "whisper_user"),
			Password: os.Getenv("DB_PASSWORD"),
		},
		InboxDir:   envOr("INBOX_DIR", "/data"),
		ArchiveDir: envOr("ARCHIVE_DIR", "/data/processed"),
		QueueDir:   envOr("QUEUE_DIR", "/opt/shared"),

		LMStudioURL: envOr("LM_STUDIO_URL", "http://localhost:8080"),
		LMModel:     envOr("LM_MODEL", "Mistral-7B-Instruct-v0.3-Q4_K_M.gguf"),

		MetricsAddr: envOr("METRICS_ADDR", ":8001"),

		BatchSize: envInt("BATCH_SIZE", 50),
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
