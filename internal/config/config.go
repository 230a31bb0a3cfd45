package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Build  BuildConfig  `yaml:"build"`
	Detect DetectConfig `yaml:"detect"`
}

// StoreConfig holds persistence settings
type StoreConfig struct {
	DataDir   string `yaml:"data_dir"`
	DBPath    string `yaml:"db_path"`     // fingerprint database (bbolt)
	RunDBPath string `yaml:"run_db_path"` // run-history database (sqlite)
}

// BuildConfig holds settings for the offline database-build phase
type BuildConfig struct {
	// SufficientChecksums is the discriminating-checksum threshold an
	// app-version must reach before the definer declares it defined.
	SufficientChecksums int `yaml:"sufficient_checksums"`
}

// DetectConfig holds settings for the online detection phase
type DetectConfig struct {
	// CoverageBound is the minimum matched/total ratio an app-version
	// must reach to be considered for detection.
	CoverageBound float64 `yaml:"coverage_bound"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:   "/var/lib/fpdetect",
			DBPath:    "",
			RunDBPath: "",
		},
		Build: BuildConfig{
			SufficientChecksums: 2,
		},
		Detect: DetectConfig{
			CoverageBound: 0.5,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"fpdetect.yaml",
		"/etc/fpdetect/fpdetect.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "fpdetect", "fpdetect.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// FingerprintDBPath returns the effective path of the bbolt fingerprint
// database, defaulting to "<data_dir>/fingerprints.db".
func (c *Config) FingerprintDBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.Store.DataDir, "fingerprints.db")
}

// RunHistoryDBPath returns the effective path of the sqlite run-history
// database, defaulting to "<data_dir>/runs.db".
func (c *Config) RunHistoryDBPath() string {
	if c.Store.RunDBPath != "" {
		return c.Store.RunDBPath
	}
	return filepath.Join(c.Store.DataDir, "runs.db")
}
