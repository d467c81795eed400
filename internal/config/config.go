// Package config loads and validates gamdam's TOML configuration and the
// built-in defaults that CLI flags override.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and file destinations.
type Paths struct {
	// Repo is the git-annex repository to download into.
	Repo string `toml:"repo"`
	// FailuresFile receives failed requests as NDJSON; empty disables it.
	FailuresFile string `toml:"failures_file"`
}

// Downloads contains settings for the addurl worker and the pipeline.
type Downloads struct {
	// Jobs is the download and post-processing parallelism; zero or less
	// means one per CPU.
	Jobs int `toml:"jobs"`
	// BacklogLimit caps how many submitted-but-unresolved jobs may
	// accumulate before input reading pauses.
	BacklogLimit int `toml:"backlog_limit"`
	// AddurlOptions pass through to `git-annex addurl` unchanged.
	AddurlOptions []string `toml:"addurl_options"`
	// ShutdownGraceSeconds bounds how long a cancelled batch waits for the
	// worker to drain before killing it.
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// Commit controls batch finalization.
type Commit struct {
	// Save commits the downloaded files when the batch ends.
	Save bool `toml:"save"`
	// SaveOnFail commits even when some jobs failed.
	SaveOnFail bool `toml:"save_on_fail"`
	// Message is the commit message template; "{downloaded}" is replaced
	// by the number of successful downloads.
	Message string `toml:"message"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level string `toml:"level"`
	// Format is "console", "json", or "auto" (console on a terminal).
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for gamdam.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Downloads Downloads `toml:"downloads"`
	Commit    Commit    `toml:"commit"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/gamdam/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("gamdam.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Paths.Repo) == "" {
		c.Paths.Repo = "."
	}
	repo, err := expandPath(c.Paths.Repo)
	if err != nil {
		return err
	}
	c.Paths.Repo = repo

	if strings.TrimSpace(c.Paths.FailuresFile) != "" {
		failures, err := expandPath(c.Paths.FailuresFile)
		if err != nil {
			return err
		}
		c.Paths.FailuresFile = failures
	} else {
		c.Paths.FailuresFile = ""
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Commit.Message = strings.TrimSpace(c.Commit.Message)
	return nil
}

// ExpandPath resolves ~ and relative segments in a user-supplied path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
