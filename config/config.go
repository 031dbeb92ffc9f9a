package config

import (
	"errors"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends understood by the binary.
const (
	BackendFile = "file"
	BackendSQL  = "sql"
)

// Config represents the overall application configuration.
type Config struct {
	Machine  MachineConfig  `yaml:"machine"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Timezone string         `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // Resolved from Timezone
}

// MachineConfig describes the parking machine run by this process.
type MachineConfig struct {
	ID            string   `yaml:"id"`
	Capacity      int      `yaml:"capacity"`
	HourlyRateRaw *float64 `yaml:"hourly_rate"`
	HourlyRate    float64  `yaml:"-"` // Resolved from HourlyRateRaw
	MaxHours      int      `yaml:"max_hours"`
}

// StorageConfig selects where the event log and snapshots live.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	LogFile string `yaml:"log_file"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	Debug                  bool   `yaml:"debug"`
}

// LedgerConfig controls caching of aggregate fee queries.
type LedgerConfig struct {
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	// An empty file decodes to io.EOF and means all defaults.
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	// Defaults never fail for the empty timezone.
	_ = cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() error {
	if cfg.Machine.ID == "" {
		cfg.Machine.ID = "North"
	}
	if cfg.Machine.Capacity <= 0 {
		log.Printf("machine.capacity is not set or invalid; defaulting to 10")
		cfg.Machine.Capacity = 10
	}
	switch {
	case cfg.Machine.HourlyRateRaw == nil:
		cfg.Machine.HourlyRate = 2.50
	case *cfg.Machine.HourlyRateRaw < 0:
		log.Printf("machine.hourly_rate is negative; defaulting to 2.50")
		cfg.Machine.HourlyRate = 2.50
	default:
		cfg.Machine.HourlyRate = *cfg.Machine.HourlyRateRaw
	}
	if cfg.Machine.MaxHours <= 0 {
		cfg.Machine.MaxHours = 24
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "."
	}
	if cfg.Storage.LogFile == "" {
		cfg.Storage.LogFile = "carparklog.txt"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "carpark.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 1
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 1
	}

	if cfg.Ledger.CacheTTLSeconds <= 0 {
		cfg.Ledger.CacheTTLSeconds = 300
	}
	cfg.Ledger.CacheTTL = time.Duration(cfg.Ledger.CacheTTLSeconds) * time.Second

	cfg.Location = time.Local
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return err
		}
		cfg.Location = loc
	}
	return nil
}
