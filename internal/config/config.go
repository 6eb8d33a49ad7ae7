package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/alexjbarnes/folder-sync/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for folder-sync.
type Config struct {
	// Folder to scan and its stable identity shared with peers.
	FolderDir  string `env:"FOLDER_DIR"`
	FolderID   string `env:"FOLDER_ID"`
	FolderName string `env:"FOLDER_NAME"`

	// Local member identity. DeviceID defaults to the hostname, DeviceName
	// to DeviceID.
	DeviceID   string `env:"DEVICE_ID"`
	DeviceName string `env:"DEVICE_NAME"`

	// StateDB defaults to ~/.folder-sync/state.db.
	StateDB string `env:"STATE_DB"`

	// PeersDir holds <member>.json index snapshots reported by peers.
	PeersDir string `env:"PEERS_DIR"`

	// DevicesFile is a YAML device directory with nicknames and connection
	// state.
	DevicesFile string `env:"DEVICES_FILE"`

	// CaseInsensitive overrides the platform default for path identity.
	CaseInsensitive *bool `env:"CASE_INSENSITIVE"`

	ForbiddenChars string        `env:"FORBIDDEN_CHARS" envDefault:"<>:\"|?*\\"`
	MTimeTolerance time.Duration `env:"MTIME_TOLERANCE" envDefault:"2s"`
	ScanInterval   time.Duration `env:"SCAN_INTERVAL" envDefault:"1m"`
	NewFileWindow  time.Duration `env:"NEW_FILE_WINDOW" envDefault:"24h"`

	// IgnorePatterns are gitignore lines, comma separated.
	IgnorePatterns []string `env:"IGNORE_PATTERNS" envSeparator:","`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing configuration to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.FolderDir == "" {
		return fmt.Errorf("FOLDER_DIR is required")
	}

	if c.FolderID == "" {
		return fmt.Errorf("FOLDER_ID is required")
	}

	if c.MTimeTolerance < 0 {
		return fmt.Errorf("MTIME_TOLERANCE must not be negative")
	}

	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive")
	}

	if c.NewFileWindow <= 0 {
		return fmt.Errorf("NEW_FILE_WINDOW must be positive")
	}

	return nil
}

func (c *Config) applyDefaults() error {
	// Scanning and the watcher compare paths against the root by prefix,
	// which needs an absolute root.
	absDir, err := filepath.Abs(c.FolderDir)
	if err != nil {
		return fmt.Errorf("resolving folder dir to absolute path: %w", err)
	}

	c.FolderDir = absDir

	if c.FolderName == "" {
		c.FolderName = filepath.Base(absDir)
	}

	if c.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "folder-sync"
		}

		c.DeviceID = hostname
	}

	if c.DeviceName == "" {
		c.DeviceName = c.DeviceID
	}

	if c.StateDB == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return err
		}

		c.StateDB = p
	}

	return nil
}

// Policy returns the deployment-wide record policy.
func (c *Config) Policy() record.Policy {
	p := record.DefaultPolicy()
	if c.CaseInsensitive != nil {
		p.CaseInsensitive = *c.CaseInsensitive
	}

	p.MTimeTolerance = c.MTimeTolerance

	return p
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
