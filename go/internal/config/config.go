package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backend names accepted by the *_BACKEND variables
const (
	StoreMemory   = "memory"
	StoreNATS     = "nats"
	StorePostgres = "postgres"

	BusLocal = "local"
	BusNATS  = "nats"

	LedgerStore    = "store"
	LedgerPostgres = "postgres"
)

// Database holds Postgres connection settings.
type Database struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name     string `env:"DB_NAME" envDefault:"trivia"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// DSN returns the Postgres connection URL. DATABASE_URL wins over the
// individual DB_* variables.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Config is the process configuration shared by the trivia binaries
type Config struct {
	HTTPPort int    `env:"HTTP_PORT" envDefault:"8081"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	GameID   string `env:"GAME_ID"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	BusBackend    string `env:"BUS_BACKEND" envDefault:"local"`
	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"store"`

	NATSURL           string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSBucket        string `env:"NATS_KV_BUCKET" envDefault:"trivia_state"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"trivia"`

	Database Database

	SettingsFile  string `env:"SETTINGS_FILE"`
	QuestionsFile string `env:"QUESTIONS_FILE"`
	QuestionsURL  string `env:"QUESTIONS_URL"`
	QuestionsKey  string `env:"QUESTIONS_API_KEY"`

	Players          int           `env:"PLAYERS" envDefault:"10"`
	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL" envDefault:"2s"`
}

// Load reads an optional .env file and parses the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GameID == "" {
		cfg.GameID = uuid.NewString()
	}
	return &cfg, nil
}

// Validate rejects unknown backend names and impossible values
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory, StoreNATS, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.BusBackend {
	case BusLocal, BusNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown BUS_BACKEND %q", c.BusBackend))
	}
	switch c.LedgerBackend {
	case LedgerStore, LedgerPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort))
	}
	if c.Players < 0 {
		errs = append(errs, errors.New("PLAYERS must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// Level is the parsed LOG_LEVEL, info when unset
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// UsesNATS reports whether any backend needs a NATS connection
func (c Config) UsesNATS() bool {
	return c.StoreBackend == StoreNATS || c.BusBackend == BusNATS
}
