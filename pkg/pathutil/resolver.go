// Package pathutil provides centralized path management for the engine's
// local state.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultStateDirName is the directory created under the user's home when
// no state directory is configured.
const DefaultStateDirName = ".ledger-sync"

// PathResolver manages paths for the state databases and the mapping file.
type PathResolver struct {
	stateDir    string
	dbPath      string
	mappingFile string
}

// Config represents the configuration for PathResolver.
type Config struct {
	// StateDir is the root directory for local state (e.g., ~/.ledger-sync)
	StateDir string
	// DBPath overrides the database file path
	DBPath string
	// MappingFile overrides the mapping pin file path
	MappingFile string
}

// New creates a new PathResolver with the given configuration.
// If StateDir is empty, it defaults to ~/.ledger-sync, or ./.ledger-sync
// when the home directory is unknown.
// If MappingFile is empty, it defaults to {StateDir}/mapping.yaml
func New(config Config) *PathResolver {
	stateDir := config.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDirName
		if home, err := os.UserHomeDir(); err == nil {
			stateDir = filepath.Join(home, DefaultStateDirName)
		}
	}

	mappingFile := config.MappingFile
	if mappingFile == "" {
		mappingFile = filepath.Join(stateDir, "mapping.yaml")
	}

	return &PathResolver{
		stateDir:    stateDir,
		dbPath:      config.DBPath,
		mappingFile: mappingFile,
	}
}

// StateDir returns the state directory.
func (p *PathResolver) StateDir() string {
	return p.stateDir
}

// SQLitePath returns the SQLite database path.
// Example: ~/.ledger-sync/sync.db
func (p *PathResolver) SQLitePath() string {
	if p.dbPath != "" {
		return p.dbPath
	}
	return filepath.Join(p.stateDir, "sync.db")
}

// BoltPath returns the bbolt database path used by the bolt backend.
// Example: ~/.ledger-sync/state.bolt
func (p *PathResolver) BoltPath() string {
	return filepath.Join(p.stateDir, "state.bolt")
}

// MappingFile returns the mapping pin file path.
func (p *PathResolver) MappingFile() string {
	return p.mappingFile
}

// EnsureDir creates a directory if it doesn't exist.
// It creates all parent directories as needed (like mkdir -p).
func (p *PathResolver) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}
	return nil
}

// EnsureParentDir ensures the parent directory of a file exists.
func (p *PathResolver) EnsureParentDir(filePath string) error {
	return p.EnsureDir(filepath.Dir(filePath))
}
