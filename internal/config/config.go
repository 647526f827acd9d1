// Package config holds the deployment's filesystem layout and tunables.
// There are no process-wide singletons: a Config value is built once in the
// CLI and passed to every component that needs it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the deployment configuration.
type Config struct {
	// DataDir roots all mutable state; the other paths default underneath.
	DataDir string
	// DBPath is the SQLite database file.
	DBPath string
	// WorktreeBaseDir holds one vk-* directory per materialized attempt.
	WorktreeBaseDir string
	// ImageCacheDir holds content-addressed prompt attachments.
	ImageCacheDir string
	// LogDir holds raw agent output segments.
	LogDir string
}

// Default derives the configuration from the user cache directory, or the
// given dataDir when non-empty.
func Default(dataDir string) (*Config, error) {
	if dataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		dataDir = filepath.Join(base, "verkstad")
	}
	return &Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "verkstad.db"),
		WorktreeBaseDir: filepath.Join(dataDir, "worktrees"),
		ImageCacheDir:   filepath.Join(dataDir, "images"),
		LogDir:          filepath.Join(dataDir, "logs"),
	}, nil
}

// EnsureDirs creates every configured directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.WorktreeBaseDir, c.ImageCacheDir, c.LogDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
