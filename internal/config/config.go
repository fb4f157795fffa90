// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/pickarr/internal/domain"
)

var envPrefix = "PICKARR__"

const (
	databaseFileName = "pickarr.db"
	profilesFileName = "profiles.yaml"
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.unmarshal(c.Config); err != nil {
		return nil, err
	}
	c.Config.Version = c.version

	if err := Validate(c.Config); err != nil {
		return nil, err
	}

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7478)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9078)
	c.viper.SetDefault("tracingEndpoint", "")
	c.viper.SetDefault("profilesPath", "")
	c.viper.SetDefault("defaultProfile", "default")

	c.viper.SetDefault("search.deadlineSeconds", 30)
	c.viper.SetDefault("search.clientTimeoutSeconds", 20)
	c.viper.SetDefault("search.maxConcurrency", 10)
	c.viper.SetDefault("search.sizeTolerance", 0.02)
	c.viper.SetDefault("search.relevanceFilter", false)
	c.viper.SetDefault("search.cacheBackend", "memory")
	c.viper.SetDefault("search.cacheTtlSeconds", 300)
	c.viper.SetDefault("search.redisAddr", "")
	c.viper.SetDefault("search.redisPassword", "")
	c.viper.SetDefault("search.redisDb", 0)

	c.viper.SetDefault("scoring.tierWeight", 100.0)
	c.viper.SetDefault("scoring.reputationWeight", 10.0)
	c.viper.SetDefault("scoring.seederWeight", 2.0)

	c.viper.SetDefault("reputation.enabled", true)
	c.viper.SetDefault("reputation.cacheTtlSeconds", 600)
	c.viper.SetDefault("reputation.fuzzyDistance", 0)

	c.viper.SetDefault("retry.attempts", 3)
	c.viper.SetDefault("retry.initialDelayMs", 500)
	c.viper.SetDefault("retry.maxDelayMs", 5000)
	c.viper.SetDefault("retry.maxJitterMs", 250)

	c.viper.SetDefault("breaker.failureThreshold", 5.0)
	c.viper.SetDefault("breaker.failureWindowSeconds", 600)
	c.viper.SetDefault("breaker.recoveryTimeoutSeconds", 300)
	c.viper.SetDefault("breaker.halfOpenProbes", 3)
	c.viper.SetDefault("breaker.malformedWeight", 0.5)

	c.viper.SetDefault("monitor.checkIntervalSeconds", 300)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// viper reports a missing explicit file as a plain os error
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
			if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
				return err
			}
			c.viper.SetConfigFile(defaultConfigPath)
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
			c.dataDir = filepath.Dir(defaultConfigPath)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// Explicit bindings only. AutomaticEnv would pick up unrelated variables.
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("pprofEnabled", envPrefix+"PPROF_ENABLED")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("tracingEndpoint", envPrefix+"TRACING_ENDPOINT")
	c.viper.BindEnv("profilesPath", envPrefix+"PROFILES_PATH")
	c.viper.BindEnv("defaultProfile", envPrefix+"DEFAULT_PROFILE")

	c.viper.BindEnv("search.deadlineSeconds", envPrefix+"SEARCH_DEADLINE_SECONDS")
	c.viper.BindEnv("search.clientTimeoutSeconds", envPrefix+"SEARCH_CLIENT_TIMEOUT_SECONDS")
	c.viper.BindEnv("search.maxConcurrency", envPrefix+"SEARCH_MAX_CONCURRENCY")
	c.viper.BindEnv("search.cacheBackend", envPrefix+"SEARCH_CACHE_BACKEND")
	c.viper.BindEnv("search.cacheTtlSeconds", envPrefix+"SEARCH_CACHE_TTL_SECONDS")
	c.viper.BindEnv("search.redisAddr", envPrefix+"REDIS_ADDR")
	c.bindOrReadFromFile("search.redisPassword", envPrefix+"REDIS_PASSWORD")
	c.viper.BindEnv("search.redisDb", envPrefix+"REDIS_DB")
}

func (c *AppConfig) unmarshal(dst *domain.Config) error {
	if err := c.viper.Unmarshal(dst); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.applyIndexerSecrets(dst)
	return nil
}

// applyIndexerSecrets lets PICKARR__INDEXER_<ID>_APIKEY and _PASSKEY, or their
// _FILE variants, override credentials so they can stay out of config.toml.
func (c *AppConfig) applyIndexerSecrets(cfg *domain.Config) {
	for i := range cfg.Indexers {
		idx := &cfg.Indexers[i]
		key := envPrefix + "INDEXER_" + envKey(idx.ID) + "_"
		if v, ok := readSecret(key + "APIKEY"); ok {
			idx.APIKey = v
		}
		if v, ok := readSecret(key + "PASSKEY"); ok {
			idx.Passkey = v
		}
	}
}

func envKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}

func readSecret(envVar string) (string, bool) {
	if path := os.Getenv(envVar + "_FILE"); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Could not read " + envVar + "_FILE")
			return "", false
		}
		return strings.TrimSpace(string(content)), true
	}
	if v, ok := os.LookupEnv(envVar); ok {
		return v, true
	}
	return "", false
}

// Validate rejects configurations that cannot be served.
func Validate(cfg *domain.Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch strings.ToLower(cfg.Search.CacheBackend) {
	case "", "none", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown search cache backend %q", cfg.Search.CacheBackend)
	}

	seen := make(map[string]struct{}, len(cfg.Indexers))
	for i, idx := range cfg.Indexers {
		if strings.TrimSpace(idx.ID) == "" {
			return fmt.Errorf("indexers[%d]: id is required", i)
		}
		if _, dup := seen[idx.ID]; dup {
			return fmt.Errorf("indexers[%d]: duplicate id %q", i, idx.ID)
		}
		seen[idx.ID] = struct{}{}
	}
	return nil
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		next := &domain.Config{}
		if err := c.unmarshal(next); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		if err := Validate(next); err != nil {
			log.Error().Err(err).Msg("Ignoring invalid configuration")
			return
		}
		*c.Config = *next

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 7478
port = {{ .port }}

# Base URL for the JSON API
# Optional
#baseUrl = "/pickarr/"

# Log file path
# If not defined, logs to stderr
# Optional
#logPath = "log/pickarr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (pickarr.db) will be created inside this directory
#dataDir = "/var/db/pickarr"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus Metrics on a separate port
# Default: false
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9078

# OTLP/HTTP trace endpoint. OTEL_EXPORTER_OTLP_ENDPOINT also enables tracing.
#tracingEndpoint = "http://localhost:4318"

# Quality profiles file (default: profiles.yaml in the data directory)
#profilesPath = "profiles.yaml"
#defaultProfile = "default"

[search]
# Overall search deadline and per-indexer timeout, in seconds
deadlineSeconds = {{ .deadlineSeconds }}
clientTimeoutSeconds = {{ .clientTimeoutSeconds }}
maxConcurrency = {{ .maxConcurrency }}
# Relative size difference still treated as the same release
#sizeTolerance = 0.02
# Drop releases whose title or year clearly do not match the query
#relevanceFilter = false
# Search cache: "memory", "sqlite", "redis" or "none"
cacheBackend = "{{ .cacheBackend }}"
#cacheTtlSeconds = 300
#redisAddr = "localhost:6379"
#redisPassword = ""
#redisDb = 0

[scoring]
#tierWeight = 100
#reputationWeight = 10
#seederWeight = 2

[reputation]
#enabled = true
#cacheTtlSeconds = 600
# Near-miss matching only folds case and separators of groups with 5+ characters.
#fuzzyDistance = 0
# Static scores (0-10) by release group. Rows in the database take precedence.
#[reputation.groups]
#FraMeSToR = 9.5

[retry]
#attempts = 3
#initialDelayMs = 500
#maxDelayMs = 5000
#maxJitterMs = 250

[breaker]
#failureThreshold = 5
#failureWindowSeconds = 600
#recoveryTimeoutSeconds = 300
#halfOpenProbes = 3
#malformedWeight = 0.5

# Indexers. Credentials can also be supplied as
# PICKARR__INDEXER_<ID>_APIKEY / PICKARR__INDEXER_<ID>_PASSKEY (or *_FILE).
#[[indexers]]
#id = "prowlarr"
#name = "Prowlarr"
#kind = "torznab"
#backend = "prowlarr"
#baseUrl = "http://localhost:9696"
#apiKey = ""
#upstreams = ["1", "4"]
#requestsPerWindow = 60
#windowSeconds = 60

#[[indexers]]
#id = "hdb"
#name = "HDBits"
#kind = "hdbits"
#baseUrl = "https://hdbits.org"
#username = ""
#passkey = ""
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	data := map[string]any{
		"host":                 c.viper.GetString("host"),
		"port":                 c.viper.GetInt("port"),
		"logLevel":             c.viper.GetString("logLevel"),
		"logMaxSize":           c.viper.GetInt("logMaxSize"),
		"logMaxBackups":        c.viper.GetInt("logMaxBackups"),
		"deadlineSeconds":      c.viper.GetInt("search.deadlineSeconds"),
		"clientTimeoutSeconds": c.viper.GetInt("search.clientTimeoutSeconds"),
		"maxConcurrency":       c.viper.GetInt("search.maxConcurrency"),
		"cacheBackend":         c.viper.GetString("search.cacheBackend"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// containers mount /config directly
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "pickarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "pickarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "pickarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "pickarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// CLI entry points call it before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	case c.dataDir != "":
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetProfilesPath returns the quality profiles file. Relative paths resolve
// against the data directory.
func (c *AppConfig) GetProfilesPath() string {
	p := strings.TrimSpace(c.Config.ProfilesPath)
	switch {
	case p == "":
		return filepath.Join(c.dataDir, profilesFileName)
	case filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(c.dataDir, p)
	}
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// bindOrReadFromFile sets viperVar from the file named by envVar_FILE when
// present, otherwise binds envVar.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
