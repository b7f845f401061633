// Package config loads reviewqueue's runtime configuration, env vars
// overriding a config file overriding built-in defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds reviewqueue's runtime configuration.
type Config struct {
	AppDir           string
	DBPath           string
	ConfigPath       string
	LeaseSeconds     int
	WorkerCount      int
	SlackToken       string
	P4Binary         string
	P4TimeoutSeconds int
	Allowlist        []string
	LogFormat        string
}

// FileConfig is the JSON/YAML shape of an on-disk config file.
type FileConfig struct {
	DBPath           string   `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	LeaseSeconds     int      `json:"lease_seconds,omitempty" yaml:"lease_seconds,omitempty"`
	WorkerCount      int      `json:"worker_count,omitempty" yaml:"worker_count,omitempty"`
	SlackToken       string   `json:"slack_token,omitempty" yaml:"slack_token,omitempty"`
	P4Binary         string   `json:"p4_binary,omitempty" yaml:"p4_binary,omitempty"`
	P4TimeoutSeconds int      `json:"p4_timeout_seconds,omitempty" yaml:"p4_timeout_seconds,omitempty"`
	Allowlist        []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	LogFormat        string   `json:"log_format,omitempty" yaml:"log_format,omitempty"`
}

// GetAppDir returns reviewqueue's per-OS application directory.
func GetAppDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "ReviewQueue")
	case "linux":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "reviewqueue")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "ReviewQueue")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".reviewqueue")
	}
}

// Load returns a Config, applying precedence env vars > config file > defaults.
// Precedence: env vars > config file (JSON or YAML, by extension) > defaults.
func Load() *Config {
	appDir := GetAppDir()
	configPath := filepath.Join(appDir, "config.json")
	if v := os.Getenv("REVIEWQUEUE_CONFIG_PATH"); v != "" {
		configPath = v
	}

	dbPath := filepath.Join(appDir, "reviewqueue.db")
	leaseSeconds := 300
	workerCount := 4
	slackToken := ""
	p4Binary := "p4"
	p4TimeoutSeconds := 30
	var allowlist []string
	logFormat := "json"

	if fc := loadFileConfig(configPath); fc != nil {
		if fc.DBPath != "" {
			dbPath = fc.DBPath
		}
		if fc.LeaseSeconds > 0 {
			leaseSeconds = fc.LeaseSeconds
		}
		if fc.WorkerCount > 0 {
			workerCount = fc.WorkerCount
		}
		if fc.SlackToken != "" {
			slackToken = fc.SlackToken
		}
		if fc.P4Binary != "" {
			p4Binary = fc.P4Binary
		}
		if fc.P4TimeoutSeconds > 0 {
			p4TimeoutSeconds = fc.P4TimeoutSeconds
		}
		if len(fc.Allowlist) > 0 {
			allowlist = fc.Allowlist
		}
		if fc.LogFormat != "" {
			logFormat = fc.LogFormat
		}
	}

	if v := os.Getenv("REVIEWQUEUE_DB_PATH"); v != "" {
		dbPath = v
	}
	if v := os.Getenv("REVIEWQUEUE_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			leaseSeconds = n
		}
	}
	if v := os.Getenv("REVIEWQUEUE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			workerCount = n
		}
	}
	if v := os.Getenv("REVIEWQUEUE_SLACK_TOKEN"); v != "" {
		slackToken = v
	}
	if v := os.Getenv("REVIEWQUEUE_P4_BINARY"); v != "" {
		p4Binary = v
	}
	if v := os.Getenv("REVIEWQUEUE_P4_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p4TimeoutSeconds = n
		}
	}
	if v := os.Getenv("REVIEWQUEUE_ALLOWLIST"); v != "" {
		allowlist = splitAndTrim(v)
	}
	if v := os.Getenv("REVIEWQUEUE_LOG_FORMAT"); v != "" {
		logFormat = v
	}

	return &Config{
		AppDir:           appDir,
		DBPath:           dbPath,
		ConfigPath:       configPath,
		LeaseSeconds:     leaseSeconds,
		WorkerCount:      workerCount,
		SlackToken:       slackToken,
		P4Binary:         p4Binary,
		P4TimeoutSeconds: p4TimeoutSeconds,
		Allowlist:        allowlist,
		LogFormat:        logFormat,
	}
}

// loadFileConfig reads and parses the config file if it exists, choosing
// JSON or YAML by its extension.
func loadFileConfig(path string) *FileConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var fc FileConfig
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil
		}
	} else {
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil
		}
	}
	return &fc
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
