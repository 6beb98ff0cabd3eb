package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per transcription kind.
// "stt" covers streaming providers, "transcriber" covers batch-only backends.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"stt":         {"deepgram", "whisper", "whisper-native", "mock"},
	"transcriber": {"whisper", "whisper-native", "openai", "mock"},
}

// Environment variables that override secrets from the YAML file:
//
//	RATTIL_DATABASE_DSN  overrides database.dsn
//	RATTIL_STT_API_KEY   overrides stt.provider.api_key
//	RATTIL_SENTRY_DSN    overrides sentry.dsn
const (
	envDatabaseDSN = "RATTIL_DATABASE_DSN"
	envSTTAPIKey   = "RATTIL_STT_API_KEY"
	envSentryDSN   = "RATTIL_SENTRY_DSN"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied. It is a
// convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// validates the result, and fills in defaults. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnv overlays secret values from the environment onto cfg so that API
// keys and connection strings never have to live in the YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envDatabaseDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(envSTTAPIKey); v != "" {
		cfg.STT.Provider.APIKey = v
	}
	if v := os.Getenv(envSentryDSN); v != "" {
		cfg.Sentry.DSN = v
	}
}

// applyDefaults fills zero-valued fields that have a documented default.
// Tracker and locator zeros are left alone; those packages default internally.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMemory
	}
	if cfg.STT.Language == "" {
		cfg.STT.Language = "ar"
	}
	if cfg.Session.IdleTimeoutSeconds == 0 {
		cfg.Session.IdleTimeoutSeconds = 300
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Database
	switch {
	case cfg.Database.Driver == "":
		slog.Info("database.driver is empty; defaulting to the in-memory corpus (embedded seed surahs only)")
	case !cfg.Database.Driver.IsValid():
		errs = append(errs, fmt.Errorf("database.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Database.Driver))
	case cfg.Database.Driver != DriverMemory && cfg.Database.DSN == "":
		errs = append(errs, fmt.Errorf("database.dsn is required when driver is %q", cfg.Database.Driver))
	}

	// STT
	if cfg.STT.Provider.Name == "" {
		if len(cfg.STT.Fallbacks) > 0 {
			errs = append(errs, errors.New("stt.fallbacks configured without stt.provider"))
		} else {
			slog.Warn("no stt provider configured; live sessions will only accept client-side transcript segments")
		}
	} else {
		errs = append(errs, validateProviderEntry("stt.provider", cfg.STT.Provider)...)
	}

	namesSeen := map[string]string{cfg.STT.Provider.Name: "stt.provider"}
	for i, fb := range cfg.STT.Fallbacks {
		prefix := fmt.Sprintf("stt.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := namesSeen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, fb.Name, prev))
		}
		namesSeen[fb.Name] = prefix
		errs = append(errs, validateProviderEntry(prefix, fb)...)
	}

	// Session
	if cfg.Session.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_seconds %d is negative", cfg.Session.IdleTimeoutSeconds))
	}

	// Tracker
	if cfg.Tracker.ResyncWindow < 0 {
		errs = append(errs, fmt.Errorf("tracker.resync_window %d is negative", cfg.Tracker.ResyncWindow))
	}
	if cfg.Tracker.MissThreshold < 0 {
		errs = append(errs, fmt.Errorf("tracker.miss_threshold %d is negative", cfg.Tracker.MissThreshold))
	}

	// Locator
	if cfg.Locator.MinConfidence < 0 || cfg.Locator.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("locator.min_confidence %d is out of range [0, 100]", cfg.Locator.MinConfidence))
	}

	// Sentry
	if rate := cfg.Sentry.TracesSampleRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("sentry.traces_sample_rate %.2f is out of range [0.0, 1.0]", rate))
	}

	return errors.Join(errs...)
}

// validateProviderEntry checks the per-backend requirements of a single
// provider entry (API keys, server URLs, model paths) and warns about
// unrecognised names.
func validateProviderEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(prefix, e.Name)

	switch e.Name {
	case "deepgram":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s: deepgram requires api_key (or %s)", prefix, envSTTAPIKey))
		}
	case "whisper":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s: whisper requires base_url pointing at a whisper-server", prefix))
		}
	case "whisper-native":
		if e.Model == "" && e.OptionString("model_path") == "" {
			errs = append(errs, fmt.Errorf("%s: whisper-native requires a model file path in model or options.model_path", prefix))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] streaming list.
func validateProviderName(prefix, name string) {
	if name == "" {
		return
	}
	known := ValidProviderNames["stt"]
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown stt provider name; may be a typo or an external registration",
		"field", prefix,
		"name", name,
		"known", known,
	)
}
