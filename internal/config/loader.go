package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownVoices lists the prebuilt voices of the live service.
// Used by [Validate] to warn about unrecognised voice names.
var KnownVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus", "Zephyr"}

var validModalities = []string{"AUDIO", "TEXT"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the environment and
// defaults, and validates the result. An empty document is a valid config
// as long as the API key comes from the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Live
	if cfg.Live.APIKey == "" {
		errs = append(errs, fmt.Errorf("live.api_key is required; set it in the file or via %s", strings.Join(APIKeyEnv, " or ")))
	}
	if cfg.Live.BaseURL != "" {
		u, err := url.Parse(cfg.Live.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("live.base_url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("live.base_url %q must use ws:// or wss://", cfg.Live.BaseURL))
		}
	}
	for i, m := range cfg.Live.ResponseModalities {
		if !slices.Contains(validModalities, m) {
			errs = append(errs, fmt.Errorf("live.response_modalities[%d] %q is invalid; valid values: AUDIO, TEXT", i, m))
		}
	}
	if cfg.Live.Voice != "" && !slices.Contains(KnownVoices, cfg.Live.Voice) {
		slog.Warn("unknown voice name, may be a typo or a newly added voice",
			"voice", cfg.Live.Voice,
			"known", KnownVoices,
		)
	}

	// Audio
	if r := cfg.Audio.InputSampleRate; r < 0 || r > 192000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [1, 192000]", r))
	}
	if r := cfg.Audio.OutputSampleRate; r < 0 || r > 192000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [1, 192000]", r))
	}
	if n := cfg.Audio.FrameSize; n != 0 && (n < 256 || n > 16384 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be a power of two in [256, 16384]", n))
	}

	return errors.Join(errs...)
}
