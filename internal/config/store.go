package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"forgeplan/internal/logger"
)

const (
	fileName          = "quantum_config.json"
	migrationFlagName = ".migration-complete"
)

// Dir returns the config directory, creating it (and running the one-time
// sibling-file migration) on first use.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	dir = filepath.Join(dir, "forgeplan")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	migrateSiblingFiles(dir)
	return dir, nil
}

// migrateSiblingFiles moves any pre-existing config/db files that were
// written next to the working directory (the teacher's old layout) into the
// config directory, then drops a flag so this runs at most once.
func migrateSiblingFiles(dir string) {
	flag := filepath.Join(dir, migrationFlagName)
	if _, err := os.Stat(flag); err == nil {
		return
	}
	wd, err := os.Getwd()
	if err == nil {
		for _, name := range []string{"config.json", "quantum_config.json"} {
			src := filepath.Join(wd, name)
			if data, err := os.ReadFile(src); err == nil {
				dst := filepath.Join(dir, fileName)
				if _, err := os.Stat(dst); os.IsNotExist(err) {
					os.WriteFile(dst, data, 0o644)
				}
				os.Rename(src, src+".bak")
			}
		}
	}
	os.WriteFile(flag, []byte("1"), 0o644)
}

// Load reads the config document from the user config directory, returning
// Default() if it does not exist yet or fails to parse.
func Load() *Config {
	cfg := Default()
	dir, err := Dir()
	if err != nil {
		return cfg
	}
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		logger.Warn("CONFIG", "failed to parse "+fileName+", using defaults")
		return Default()
	}
	return cfg
}

// Save writes the config document to the user config directory.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, fileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, fileName))
}
