// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for Parley.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Provider names understood by the built-in registry.
const (
	ProviderGemini = "gemini-live"
	ProviderOpenAI = "openai-realtime"
)

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = ProviderGemini
	DefaultConnectTimeout   = 10 * time.Second
	DefaultMaxFailures      = 3
	DefaultFailureCooldown  = 30 * time.Second
	DefaultSendQueue        = 32
	DefaultPlaybackBufferMs = 100
	DefaultLogMaxSizeMB     = 50
	DefaultLogMaxBackups    = 3
	DefaultLogMaxAgeDays    = 28
)

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
}

// ServerConfig holds the control API settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`

	// File, when set, sends logs to a size-rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ProviderConfig selects and configures the speech-to-speech backend. Name is
// looked up in the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Supports ${ENV} expansion;
	// when empty the provider's conventional environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// ConnectTimeout bounds dialling plus the setup handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxConnectFailures is the number of consecutive failed sessions after
	// which new starts are rejected for FailureCooldown.
	MaxConnectFailures int `yaml:"max_connect_failures"`

	// FailureCooldown is how long starts stay rejected once
	// MaxConnectFailures is reached.
	FailureCooldown time.Duration `yaml:"failure_cooldown"`
}

// SessionConfig is applied to every new transport session.
type SessionConfig struct {
	Voice               string `yaml:"voice"`
	Instructions        string `yaml:"instructions"`
	InputTranscription  bool   `yaml:"input_transcription"`
	OutputTranscription bool   `yaml:"output_transcription"`
}

// S2S converts c into the transport configuration.
func (c SessionConfig) S2S() s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:               c.Voice,
		Instructions:        c.Instructions,
		InputTranscription:  c.InputTranscription,
		OutputTranscription: c.OutputTranscription,
	}
}

// AudioConfig holds stream and device parameters.
type AudioConfig struct {
	// InputRate is the capture rate in Hz. Zero uses the provider's rate.
	InputRate int `yaml:"input_rate"`

	// OutputRate is the playback device rate in Hz. Zero uses the provider's
	// rate.
	OutputRate int `yaml:"output_rate"`

	// BlockFrames is the capture callback size.
	BlockFrames int `yaml:"block_frames"`

	// OutputChannels is 1 (mono) or 2 (stereo).
	OutputChannels int `yaml:"output_channels"`

	// SendQueue bounds the capture to transport hand-off in chunks.
	SendQueue int `yaml:"send_queue"`

	// PlaybackBufferMs is the output device buffer length.
	PlaybackBufferMs int `yaml:"playback_buffer_ms"`
}

// OutputFormat returns the playback device format.
func (c AudioConfig) OutputFormat() audio.Format {
	return audio.Format{SampleRate: c.OutputRate, Channels: c.OutputChannels}
}

// PlaybackBuffer returns PlaybackBufferMs as a duration.
func (c AudioConfig) PlaybackBuffer() time.Duration {
	return time.Duration(c.PlaybackBufferMs) * time.Millisecond
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = LogInfo
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatText
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
	if c.Provider.Name == "" {
		c.Provider.Name = DefaultProvider
	}
	if c.Provider.ConnectTimeout == 0 {
		c.Provider.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Provider.MaxConnectFailures == 0 {
		c.Provider.MaxConnectFailures = DefaultMaxFailures
	}
	if c.Provider.FailureCooldown == 0 {
		c.Provider.FailureCooldown = DefaultFailureCooldown
	}
	if c.Audio.BlockFrames == 0 {
		c.Audio.BlockFrames = audio.DefaultBlockFrames
	}
	if c.Audio.OutputChannels == 0 {
		c.Audio.OutputChannels = 1
	}
	if c.Audio.SendQueue == 0 {
		c.Audio.SendQueue = DefaultSendQueue
	}
	if c.Audio.PlaybackBufferMs == 0 {
		c.Audio.PlaybackBufferMs = DefaultPlaybackBufferMs
	}
}
