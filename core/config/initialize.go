package config

import (
	"log"
	"path/filepath"

	"github.com/spf13/afero"
)

// Initialize writes the default configuration into dir unless one already
// exists, returning the effective configuration either way.
func Initialize(fs afero.Fs, dir string, logger *log.Logger) (*Configuration, error) {
	configPath := filepath.Join(dir, ConfigurationName)

	if exists, _ := afero.Exists(fs, configPath); exists {
		logger.Printf("Found existing %s", configPath)
		return Load(fs, configPath)
	}

	if err := afero.WriteFile(fs, configPath, defaultConfigData, 0644); err != nil {
		return nil, err
	}
	logger.Printf("Created %s", configPath)
	return Default(), nil
}
