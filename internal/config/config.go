// Package config defines the endpoint configuration schema from §6 as
// Go structs. Parsing a config file from disk is out of scope for the
// core (§1); this package exists so embedders and tests can build or load
// (via gopkg.in/yaml.v3, the way ilopezluna's request/response logger
// loads its own YAML config) a fixture without the core depending on any
// particular file format.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// TargetType selects the scheme used to reach the upstream or to terminate
// the local listener.
type TargetType string

const (
	SchemeHTTP  TargetType = "http"
	SchemeHTTPS TargetType = "https"
)

// Limits overrides the hard caps from §4.3, never above them.
type Limits struct {
	MaxRequestSize  int64 `yaml:"max_request_size,omitempty"`
	MaxResponseSize int64 `yaml:"max_response_size,omitempty"`
	MaxConnections  int   `yaml:"max_connections,omitempty"`
}

// Endpoint is one entry of the "one entry per endpoint" schema in §6.
type Endpoint struct {
	Name       string `yaml:"name"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
	TargetType TargetType `yaml:"target_type"`

	SourcePort int        `yaml:"source_port"`
	SourceType TargetType `yaml:"source_type"`

	RedactRequestHeaders []string `yaml:"redact_request_headers,omitempty"`
	Secrets              []string `yaml:"secrets,omitempty"`
	RegexPatterns         []string `yaml:"regex_patterns,omitempty"`
	JSONPaths             []string `yaml:"json_paths,omitempty"`

	Limits Limits `yaml:"limits,omitempty"`

	// RecordingDir is where this endpoint's .ouli files are written/read.
	RecordingDir string `yaml:"recording_dir"`

	// InteractionTimeout is the per-interaction timeout from §5 (default
	// 30s if zero).
	InteractionTimeout time.Duration `yaml:"interaction_timeout,omitempty"`

	// ChunkPacingDelay and ChunkPacingJitterPercent govern replay
	// streaming pacing (§4.6 step 6, supplemented per original_source).
	ChunkPacingDelay         time.Duration `yaml:"chunk_pacing_delay,omitempty"`
	ChunkPacingJitterPercent int           `yaml:"chunk_pacing_jitter_percent,omitempty"`

	// SessionIdleTimeout finalizes an idle record-mode session early
	// (supplemented feature, see SPEC_FULL.md).
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout,omitempty"`

	// ReplayReaderCacheSize bounds how many open Readers the replay engine
	// keeps warm for this endpoint (§4.6 "Caches": capacity by endpoint
	// config).
	ReplayReaderCacheSize int `yaml:"replay_reader_cache_size,omitempty"`

	// ReplayResponseCacheBytes bounds the replay response cache's total
	// weight in bytes for this endpoint.
	ReplayResponseCacheBytes int64 `yaml:"replay_response_cache_bytes,omitempty"`
}

// Hard caps from §4.3. Endpoint.Limits may tighten these, never loosen.
const (
	MaxConnections         = 4096
	MaxEndpoints           = 64
	MaxRequestSize         = 16 << 20
	MaxResponseSize        = 256 << 20
	MaxHeaders             = 128
	MaxInteractionsPerFile = 65536
	MaxFileSize            = 16 << 30
	MaxChainDepth          = 65536

	DefaultInteractionTimeout  = 30 * time.Second
	DefaultChunkPacingDelay    = 10 * time.Millisecond
	DefaultSessionIdleTimeout  = 10 * time.Minute
	DefaultCheckpointInterval  = 32

	// DefaultReplayReaderCacheSize and DefaultReplayResponseCacheBytes are
	// the replay engine's cache capacities from §4.6 when an endpoint
	// doesn't override them.
	DefaultReplayReaderCacheSize    = 64
	DefaultReplayResponseCacheBytes = 64 << 20

	// ReplayReaderCacheTTL and ReplayResponseCacheTTL are the time-to-idle
	// windows from §4.6's "Caches" paragraph. Fixed, not configurable.
	ReplayReaderCacheTTL   = 5 * time.Minute
	ReplayResponseCacheTTL = 1 * time.Minute
)

// EffectiveLimits resolves e.Limits against the hard caps, clamping any
// override that would exceed them.
func (e Endpoint) EffectiveLimits() Limits {
	l := e.Limits
	if l.MaxRequestSize <= 0 || l.MaxRequestSize > MaxRequestSize {
		l.MaxRequestSize = MaxRequestSize
	}
	if l.MaxResponseSize <= 0 || l.MaxResponseSize > MaxResponseSize {
		l.MaxResponseSize = MaxResponseSize
	}
	if l.MaxConnections <= 0 || l.MaxConnections > MaxConnections {
		l.MaxConnections = MaxConnections
	}
	return l
}

// InteractionTimeoutOrDefault returns the configured timeout, or the
// default of 30s from §5 if unset.
func (e Endpoint) InteractionTimeoutOrDefault() time.Duration {
	if e.InteractionTimeout <= 0 {
		return DefaultInteractionTimeout
	}
	return e.InteractionTimeout
}

// ChunkPacingDelayOrDefault returns the configured pacing delay, or the
// default of 10ms from §4.6 step 6 if unset.
func (e Endpoint) ChunkPacingDelayOrDefault() time.Duration {
	if e.ChunkPacingDelay <= 0 {
		return DefaultChunkPacingDelay
	}
	return e.ChunkPacingDelay
}

// SessionIdleTimeoutOrDefault returns the configured idle eviction window.
func (e Endpoint) SessionIdleTimeoutOrDefault() time.Duration {
	if e.SessionIdleTimeout <= 0 {
		return DefaultSessionIdleTimeout
	}
	return e.SessionIdleTimeout
}

// ReplayReaderCacheSizeOrDefault returns the configured reader cache
// capacity, or DefaultReplayReaderCacheSize if unset.
func (e Endpoint) ReplayReaderCacheSizeOrDefault() int {
	if e.ReplayReaderCacheSize <= 0 {
		return DefaultReplayReaderCacheSize
	}
	return e.ReplayReaderCacheSize
}

// ReplayResponseCacheBytesOrDefault returns the configured response cache
// byte budget, or DefaultReplayResponseCacheBytes if unset.
func (e Endpoint) ReplayResponseCacheBytesOrDefault() int64 {
	if e.ReplayResponseCacheBytes <= 0 {
		return DefaultReplayResponseCacheBytes
	}
	return e.ReplayResponseCacheBytes
}

// Set is a validated collection of Endpoints, capped at MaxEndpoints.
type Set struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Load parses a YAML document into a Set. Kept deliberately thin: no
// defaulting beyond what yaml.Unmarshal gives for free, matching how the
// teacher treats on-disk config as someone else's concern.
func Load(b []byte) (Set, error) {
	var s Set
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Set{}, err
	}
	if len(s.Endpoints) > MaxEndpoints {
		s.Endpoints = s.Endpoints[:MaxEndpoints]
	}
	return s, nil
}
