package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr           = ":9090"
	DefaultSaveDir              = "saves"
	DefaultSQLitePath           = "saves/casekeep.db"
	DefaultAutosaveDebounce     = 3 * time.Second
	DefaultNarratorHistoryLimit = 10
	DefaultVerdictAttempts      = 10
	DefaultTrust                = 50
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultSaveDir
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = DefaultSQLitePath
	}
	if cfg.Autosave.Debounce == 0 {
		cfg.Autosave.Debounce = DefaultAutosaveDebounce
	}
	if cfg.Gameplay.NarratorHistoryLimit == 0 {
		cfg.Gameplay.NarratorHistoryLimit = DefaultNarratorHistoryLimit
	}
	if cfg.Gameplay.VerdictAttempts == 0 {
		cfg.Gameplay.VerdictAttempts = DefaultVerdictAttempts
	}
	if cfg.Gameplay.DefaultTrust == 0 {
		cfg.Gameplay.DefaultTrust = DefaultTrust
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Storage
	switch cfg.Storage.Backend {
	case BackendFile:
		if cfg.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case BackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, sqlite, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend != BackendPostgres && cfg.Storage.PostgresDSN != "" {
		slog.Warn("storage.postgres_dsn is set but ignored", "backend", cfg.Storage.Backend)
	}

	// Autosave
	if cfg.Autosave.Debounce < 0 {
		errs = append(errs, fmt.Errorf("autosave.debounce %s must not be negative", cfg.Autosave.Debounce))
	}
	if cfg.Autosave.Debounce > time.Minute {
		slog.Warn("autosave.debounce is unusually long; progress may be lost on a crash", "debounce", cfg.Autosave.Debounce)
	}

	// Gameplay
	if cfg.Gameplay.NarratorHistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("gameplay.narrator_history_limit %d must not be negative", cfg.Gameplay.NarratorHistoryLimit))
	}
	if cfg.Gameplay.VerdictAttempts < 0 {
		errs = append(errs, fmt.Errorf("gameplay.verdict_attempts %d must not be negative", cfg.Gameplay.VerdictAttempts))
	}
	if cfg.Gameplay.DefaultTrust < 0 || cfg.Gameplay.DefaultTrust > 100 {
		errs = append(errs, fmt.Errorf("gameplay.default_trust %d is out of range [0, 100]", cfg.Gameplay.DefaultTrust))
	}

	return errors.Join(errs...)
}
