package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

const configFileName = "movecheck.toml"

const defaultIncidentDir = ".movecheck/incidents"

// projectConfig mirrors movecheck.toml. Zero values mean "not set".
type projectConfig struct {
	Path string `toml:"-"`
	Root string `toml:"-"`

	Replay    replayConfig    `toml:"replay"`
	Incidents incidentsConfig `toml:"incidents"`
	Trace     traceConfig     `toml:"trace"`
}

type replayConfig struct {
	Jobs     int    `toml:"jobs"`
	MaxSteps int    `toml:"max_steps"`
	UI       string `toml:"ui"`
}

type incidentsConfig struct {
	Dir string `toml:"dir"`
}

type traceConfig struct {
	Level string `toml:"level"`
	Mode  string `toml:"mode"`
	File  string `toml:"file"`
}

func findConfig(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

func loadConfig(path string) (*projectConfig, error) {
	var cfg projectConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if cfg.Replay.Jobs < 0 {
		return nil, fmt.Errorf("%s: [replay].jobs must not be negative", path)
	}
	if cfg.Replay.MaxSteps < 0 {
		return nil, fmt.Errorf("%s: [replay].max_steps must not be negative", path)
	}
	cfg.Path = path
	cfg.Root = filepath.Dir(path)
	if cfg.Incidents.Dir != "" && !filepath.IsAbs(cfg.Incidents.Dir) {
		cfg.Incidents.Dir = filepath.Join(cfg.Root, cfg.Incidents.Dir)
	}
	if cfg.Trace.File != "" && cfg.Trace.File != "-" && !filepath.IsAbs(cfg.Trace.File) {
		cfg.Trace.File = filepath.Join(cfg.Root, cfg.Trace.File)
	}
	return &cfg, nil
}

// resolveConfig loads --config when given, otherwise the nearest
// movecheck.toml above the working directory. Without either it returns an
// empty config.
func resolveConfig(cmd *cobra.Command) (*projectConfig, error) {
	explicit, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if explicit != "" {
		return loadConfig(explicit)
	}
	path, ok, err := findConfig(".")
	if err != nil {
		return nil, err
	}
	if !ok {
		return &projectConfig{}, nil
	}
	return loadConfig(path)
}

// incidentDir is where captured incidents live when no directory is given.
func (c *projectConfig) incidentDir() string {
	if c.Incidents.Dir != "" {
		return c.Incidents.Dir
	}
	if c.Root != "" {
		return filepath.Join(c.Root, defaultIncidentDir)
	}
	return defaultIncidentDir
}
