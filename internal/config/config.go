package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the resolved runtime configuration. Nothing reads it from a
// global; it is loaded once at the entrypoint and passed down explicitly.
type Config struct {
	// Model is the default model handed to the agent factory; sessions can
	// override it at runtime with switch_model.
	Model string `json:"model,omitempty"`

	// RootAgent names the agent definition new sessions run.
	RootAgent string `json:"rootAgent,omitempty"`

	GenomePath   string `json:"genomePath,omitempty"`
	BootstrapDir string `json:"bootstrapDir,omitempty"`
	WorkDir      string `json:"workDir,omitempty"`

	// SessionsDir roots session metadata and event logs. Defaults to the
	// sessions directory under the user data path.
	SessionsDir string `json:"sessionsDir,omitempty"`

	Server ServerConfig `json:"server,omitempty"`
	Log    LogConfig    `json:"log,omitempty"`
	Watch  WatchConfig  `json:"watch,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"`

	// CORSOrigins lists allowed browser origins. Empty allows none.
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// LogConfig configures process diagnostics, not the session event log.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "console"
}

// WatchConfig configures the sessions directory watcher that feeds the
// server's directory event stream.
type WatchConfig struct {
	Enabled    bool `json:"enabled,omitempty"`
	DebounceMS int  `json:"debounceMs,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RootAgent:   "root",
		SessionsDir: GetPaths().SessionsPath(),
		Server: ServerConfig{
			Addr: "127.0.0.1:4747",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMS: 300,
		},
	}
}

// Load resolves configuration from multiple sources, later sources winning:
//
//  1. Built-in defaults
//  2. Global config (~/.tiller/ and ~/.config/tiller/)
//  3. Project config (<directory>/tiller.json and <directory>/.tiller/)
//  4. TILLER_CONFIG file override
//  5. TILLER_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Files may be JSONC and may use {env:VAR} and {file:path} placeholders.
func Load(directory string) (*Config, error) {
	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	home := os.Getenv("HOME")
	if home != "" {
		homeDir := filepath.Join(home, ".tiller")
		loadOnce(filepath.Join(homeDir, "tiller.json"), homeDir)
		loadOnce(filepath.Join(homeDir, "tiller.jsonc"), homeDir)
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "tiller.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "tiller.jsonc"), globalPath)

	if directory != "" {
		projectDir := filepath.Join(directory, ".tiller")
		loadOnce(filepath.Join(directory, "tiller.json"), directory)
		loadOnce(filepath.Join(directory, "tiller.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "tiller.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "tiller.jsonc"), projectDir)
	}

	if configPath := os.Getenv("TILLER_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if content := os.Getenv("TILLER_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // keep the placeholder when the file is missing
		}

		escaped := strings.ReplaceAll(string(content), `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		escaped = strings.ReplaceAll(escaped, "\r", `\r`)
		escaped = strings.ReplaceAll(escaped, "\t", `\t`)
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target, scalar by scalar.
func mergeConfig(target, source *Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.RootAgent != "" {
		target.RootAgent = source.RootAgent
	}
	if source.GenomePath != "" {
		target.GenomePath = source.GenomePath
	}
	if source.BootstrapDir != "" {
		target.BootstrapDir = source.BootstrapDir
	}
	if source.WorkDir != "" {
		target.WorkDir = source.WorkDir
	}
	if source.SessionsDir != "" {
		target.SessionsDir = source.SessionsDir
	}
	if source.Server.Addr != "" {
		target.Server.Addr = source.Server.Addr
	}
	if len(source.Server.CORSOrigins) > 0 {
		target.Server.CORSOrigins = source.Server.CORSOrigins
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Format != "" {
		target.Log.Format = source.Log.Format
	}
	if source.Watch.Enabled {
		target.Watch.Enabled = true
	}
	if source.Watch.DebounceMS > 0 {
		target.Watch.DebounceMS = source.Watch.DebounceMS
	}
}

// applyEnvOverrides applies environment variable overrides, the highest
// priority source.
func applyEnvOverrides(config *Config) {
	envMap := map[string]*string{
		"TILLER_MODEL":         &config.Model,
		"TILLER_ROOT_AGENT":    &config.RootAgent,
		"TILLER_GENOME":        &config.GenomePath,
		"TILLER_BOOTSTRAP_DIR": &config.BootstrapDir,
		"TILLER_WORK_DIR":      &config.WorkDir,
		"TILLER_SESSIONS_DIR":  &config.SessionsDir,
		"TILLER_ADDR":          &config.Server.Addr,
		"TILLER_LOG_LEVEL":     &config.Log.Level,
	}
	for key, field := range envMap {
		if value := os.Getenv(key); value != "" {
			*field = value
		}
	}
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
