package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] for fields left at their zero value.
const (
	DefaultListenAddr       = ":8080"
	DefaultModel            = "gemini-2.0-flash-live-001"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultWindowMs         = 20
	DefaultVideoIntervalMs  = 1000
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.Model == "" {
		cfg.Session.Model = DefaultModel
	}
	if cfg.Session.APIKey == "" {
		cfg.Session.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.WindowMs == 0 {
		cfg.Audio.WindowMs = DefaultWindowMs
	}
	if cfg.Audio.OutputGain == 0 {
		cfg.Audio.OutputGain = 1.0
	}
	if cfg.Video.IntervalMs == 0 {
		cfg.Video.IntervalMs = DefaultVideoIntervalMs
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Session.APIKey == "" {
		slog.Warn("session.api_key is empty and GEMINI_API_KEY is not set; session starts will fail")
	}

	if cfg.Audio.InputSampleRate < 8000 || cfg.Audio.InputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 48000]", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 8000 || cfg.Audio.OutputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, 48000]", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.WindowMs < 5 || cfg.Audio.WindowMs > 200 {
		errs = append(errs, fmt.Errorf("audio.window_ms %d is out of range [5, 200]", cfg.Audio.WindowMs))
	}
	if cfg.Audio.MeterGain < 0 {
		errs = append(errs, fmt.Errorf("audio.meter_gain %.2f must not be negative", cfg.Audio.MeterGain))
	}
	if cfg.Audio.OutputGain < 0 || cfg.Audio.OutputGain > 4 {
		errs = append(errs, fmt.Errorf("audio.output_gain %.2f is out of range (0, 4]", cfg.Audio.OutputGain))
	}

	if cfg.Video.Enabled {
		if cfg.Video.Display < 0 {
			errs = append(errs, fmt.Errorf("video.display %d must not be negative", cfg.Video.Display))
		}
		if cfg.Video.IntervalMs < 100 {
			errs = append(errs, fmt.Errorf("video.interval_ms %d is below the minimum of 100", cfg.Video.IntervalMs))
		}
	}
	if cfg.Video.JPEGQuality != 0 && (cfg.Video.JPEGQuality < 1 || cfg.Video.JPEGQuality > 100) {
		errs = append(errs, fmt.Errorf("video.jpeg_quality %d is out of range [1, 100]", cfg.Video.JPEGQuality))
	}

	if cfg.Transcripts.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("transcripts.history_limit %d must not be negative", cfg.Transcripts.HistoryLimit))
	}
	if cfg.Transcripts.PostgresDSN == "" {
		slog.Warn("transcripts.postgres_dsn is empty; transcripts will be kept in memory only")
	}

	return errors.Join(errs...)
}
