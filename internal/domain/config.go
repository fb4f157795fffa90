// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Version string `toml:"-" mapstructure:"-"`

	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	PprofEnabled  bool   `toml:"pprofEnabled" mapstructure:"pprofEnabled"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// TracingEndpoint is the OTLP/HTTP endpoint. Empty disables tracing unless
	// OTEL_EXPORTER_OTLP_ENDPOINT is set.
	TracingEndpoint string `toml:"tracingEndpoint" mapstructure:"tracingEndpoint"`

	ProfilesPath   string `toml:"profilesPath" mapstructure:"profilesPath"`
	DefaultProfile string `toml:"defaultProfile" mapstructure:"defaultProfile"`

	Search     SearchConfig     `toml:"search" mapstructure:"search"`
	Scoring    ScoringConfig    `toml:"scoring" mapstructure:"scoring"`
	Reputation ReputationConfig `toml:"reputation" mapstructure:"reputation"`
	Retry      RetryConfig      `toml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `toml:"breaker" mapstructure:"breaker"`
	Monitor    MonitorConfig    `toml:"monitor" mapstructure:"monitor"`
	Indexers   []IndexerConfig  `toml:"indexers" mapstructure:"indexers"`
}

type SearchConfig struct {
	DeadlineSeconds      int     `toml:"deadlineSeconds" mapstructure:"deadlineSeconds"`
	ClientTimeoutSeconds int     `toml:"clientTimeoutSeconds" mapstructure:"clientTimeoutSeconds"`
	MaxConcurrency       int     `toml:"maxConcurrency" mapstructure:"maxConcurrency"`
	SizeTolerance        float64 `toml:"sizeTolerance" mapstructure:"sizeTolerance"`
	RelevanceFilter      bool    `toml:"relevanceFilter" mapstructure:"relevanceFilter"`

	// CacheBackend is one of "", "memory", "sqlite" or "redis". Empty disables caching.
	CacheBackend    string `toml:"cacheBackend" mapstructure:"cacheBackend"`
	CacheTTLSeconds int    `toml:"cacheTtlSeconds" mapstructure:"cacheTtlSeconds"`
	RedisAddr       string `toml:"redisAddr" mapstructure:"redisAddr"`
	RedisPassword   string `toml:"redisPassword" mapstructure:"redisPassword"`
	RedisDB         int    `toml:"redisDb" mapstructure:"redisDb"`
}

func (s SearchConfig) Deadline() time.Duration {
	return time.Duration(s.DeadlineSeconds) * time.Second
}

func (s SearchConfig) ClientTimeout() time.Duration {
	return time.Duration(s.ClientTimeoutSeconds) * time.Second
}

func (s SearchConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

type ScoringConfig struct {
	TierWeight       float64 `toml:"tierWeight" mapstructure:"tierWeight"`
	ReputationWeight float64 `toml:"reputationWeight" mapstructure:"reputationWeight"`
	SeederWeight     float64 `toml:"seederWeight" mapstructure:"seederWeight"`
}

type ReputationConfig struct {
	Enabled         bool `toml:"enabled" mapstructure:"enabled"`
	CacheTTLSeconds int  `toml:"cacheTtlSeconds" mapstructure:"cacheTtlSeconds"`
	// FuzzyDistance enables near-miss group matching when positive. Zero keeps lookups exact.
	FuzzyDistance int `toml:"fuzzyDistance" mapstructure:"fuzzyDistance"`
	// Groups seeds static scores, keyed by group name.
	Groups map[string]float64 `toml:"groups" mapstructure:"groups"`
}

type RetryConfig struct {
	Attempts       int `toml:"attempts" mapstructure:"attempts"`
	InitialDelayMs int `toml:"initialDelayMs" mapstructure:"initialDelayMs"`
	MaxDelayMs     int `toml:"maxDelayMs" mapstructure:"maxDelayMs"`
	MaxJitterMs    int `toml:"maxJitterMs" mapstructure:"maxJitterMs"`
}

type BreakerConfig struct {
	FailureThreshold       float64 `toml:"failureThreshold" mapstructure:"failureThreshold"`
	FailureWindowSeconds   int     `toml:"failureWindowSeconds" mapstructure:"failureWindowSeconds"`
	RecoveryTimeoutSeconds int     `toml:"recoveryTimeoutSeconds" mapstructure:"recoveryTimeoutSeconds"`
	HalfOpenProbes         int     `toml:"halfOpenProbes" mapstructure:"halfOpenProbes"`
	MalformedWeight        float64 `toml:"malformedWeight" mapstructure:"malformedWeight"`
}

type MonitorConfig struct {
	// CheckIntervalSeconds is how often every indexer is probed. 0 disables probing.
	CheckIntervalSeconds int `toml:"checkIntervalSeconds" mapstructure:"checkIntervalSeconds"`
}

func (m MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSeconds) * time.Second
}

// IndexerKind selects the client implementation.
type IndexerKind string

const (
	IndexerKindTorznab IndexerKind = "torznab"
	IndexerKindHDBits  IndexerKind = "hdbits"
)

type IndexerConfig struct {
	ID                string      `toml:"id" mapstructure:"id"`
	Name              string      `toml:"name" mapstructure:"name"`
	Kind              IndexerKind `toml:"kind" mapstructure:"kind"`
	Backend           string      `toml:"backend" mapstructure:"backend"`
	BaseURL           string      `toml:"baseUrl" mapstructure:"baseUrl"`
	APIKey            string      `toml:"apiKey" mapstructure:"apiKey"`
	Username          string      `toml:"username" mapstructure:"username"`
	Passkey           string      `toml:"passkey" mapstructure:"passkey"`
	Upstreams         []string    `toml:"upstreams" mapstructure:"upstreams"`
	RequestsPerWindow int         `toml:"requestsPerWindow" mapstructure:"requestsPerWindow"`
	WindowSeconds     int         `toml:"windowSeconds" mapstructure:"windowSeconds"`
	TimeoutSeconds    int         `toml:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	Enabled           *bool       `toml:"enabled" mapstructure:"enabled"`
}

// IsEnabled treats a missing enabled key as true.
func (c IndexerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c IndexerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
