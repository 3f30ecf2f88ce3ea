// Package config provides the configuration schema and loader for Luna.
package config

import (
	"log/slog"

	"github.com/nullxes/luna/pkg/transport"
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

// Slog returns the matching slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultModel            = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice            = "Kore"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
)

// Environment variables consulted by [Config.ApplyEnv] when live.api_key is
// empty, in order.
var APIKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Live   LiveConfig   `yaml:"live"`
	Audio  AudioConfig  `yaml:"audio"`
}

// ServerConfig holds the operational HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig describes the remote live model session. Changes take effect on
// the next connect.
type LiveConfig struct {
	// APIKey authenticates against the live service. May be left empty and
	// supplied through the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service WebSocket endpoint (ws:// or wss://).
	BaseURL string `yaml:"base_url"`

	Model              string   `yaml:"model"`
	Voice              string   `yaml:"voice"`
	SystemInstruction  string   `yaml:"system_instruction"`
	ResponseModalities []string `yaml:"response_modalities"`
}

// Transport returns the session parameters sent in the setup message.
func (l LiveConfig) Transport() transport.Config {
	return transport.Config{
		Model:              l.Model,
		Voice:              l.Voice,
		SystemInstruction:  l.SystemInstruction,
		ResponseModalities: l.ResponseModalities,
	}
}

// AudioConfig holds the local audio formats.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of microphone samples per outbound frame.
	FrameSize int `yaml:"frame_size"`
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Live.Model == "" {
		c.Live.Model = DefaultModel
	}
	if c.Live.Voice == "" {
		c.Live.Voice = DefaultVoice
	}
	if len(c.Live.ResponseModalities) == 0 {
		c.Live.ResponseModalities = []string{"AUDIO"}
	}
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = DefaultFrameSize
	}
}

// ApplyEnv fills live.api_key from the first non-empty variable in
// [APIKeyEnv]. A key set in the file wins.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c.Live.APIKey != "" {
		return
	}
	for _, name := range APIKeyEnv {
		if v, ok := lookup(name); ok && v != "" {
			c.Live.APIKey = v
			return
		}
	}
}
