package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errUnknownHash        = errors.New("unknown hash (want xxhash, fnv or string)")
)

// Config holds the table shape used by 'new'. Opening an existing table
// reads the shape from its descriptor instead.
//
//nolint:tagliatelle // snake_case for config file
type Config struct {
	Capacity        uint64 `json:"capacity,omitempty"`
	KeySize         int    `json:"key_size,omitempty"`
	EntrySize       int    `json:"entry_size,omitempty"`
	InitialSizeLog2 int    `json:"initial_size_log2,omitempty"`
	Hash            string `json:"hash,omitempty"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// String lists the loaded files, or "defaults" when none were.
func (s ConfigSources) String() string {
	var files []string

	for _, path := range []string{s.Global, s.Project} {
		if path != "" {
			files = append(files, path)
		}
	}

	if len(files) == 0 {
		return "defaults"
	}

	return strings.Join(files, ", ")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        64 << 20,
		KeySize:         16,
		EntrySize:       32,
		InitialSizeLog2: 7,
		Hash:            hashXX,
	}
}

// ConfigFileName is the project config file name.
const ConfigFileName = ".dshashctl.json"

// getGlobalConfigPath returns $XDG_CONFIG_HOME/dshashctl/config.json, or
// ~/.config/dshashctl/config.json. Empty if neither can be determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok && after != "" {
			return filepath.Join(after, "dshashctl", "config.json")
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "dshashctl", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config
// 3. Project config (.dshashctl.json in workDir) or the explicit configPath
//
// Command line flags are applied on top by the caller.
func LoadConfig(workDir, configPath string, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	if globalPath := getGlobalConfigPath(env); globalPath != "" {
		globalCfg, loaded, err := loadConfigFile(globalPath, false)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Global = globalPath
			cfg = mergeConfig(cfg, globalCfg)
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		projectPath = configPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true

		_, statErr := os.Stat(projectPath)
		if statErr != nil {
			return Config{}, ConfigSources{}, fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	}

	projectCfg, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	if loaded {
		sources.Project = projectPath
		cfg = mergeConfig(cfg, projectCfg)
	}

	return cfg, sources, nil
}

// loadConfigFile reads a JSONC config file. Missing files are not an error
// unless mustExist is set.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	var cfg Config

	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Capacity != 0 {
		base.Capacity = overlay.Capacity
	}

	if overlay.KeySize != 0 {
		base.KeySize = overlay.KeySize
	}

	if overlay.EntrySize != 0 {
		base.EntrySize = overlay.EntrySize
	}

	if overlay.InitialSizeLog2 != 0 {
		base.InitialSizeLog2 = overlay.InitialSizeLog2
	}

	if overlay.Hash != "" {
		base.Hash = overlay.Hash
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.KeySize <= 0 {
		return fmt.Errorf("key_size must be > 0, got %d", cfg.KeySize)
	}

	if cfg.EntrySize < cfg.KeySize {
		return fmt.Errorf("entry_size %d must be >= key_size %d", cfg.EntrySize, cfg.KeySize)
	}

	_, _, err := callbacksFor(cfg.Hash)

	return err
}

// FormatConfig returns the config as indented JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
