package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion core service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	LogLevel         string
	LogFormat        string
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration
	SessionMax           int
	DefaultUserID        string

	TurnMaxDuration time.Duration
	TurnHookTimeout time.Duration

	LLMProvider     string
	LLMHTTPURL      string
	LLMSystemPrompt string
	ArkBaseURL      string
	ArkRegion       string
	ArkAPIKey       string
	ArkAccessKey    string
	ArkSecretKey    string
	ArkModel        string
	ArkMaxTokens    int

	DatabaseURL     string
	MemoryRedactPII bool

	UIConsumerURL         string
	UIConsumerEnabled     bool
	SpeechConsumerURL     string
	SpeechEnabled         bool
	MemoryServiceURL      string
	MemorySummaryOnExpiry bool
	ConsumerTimeout       time.Duration

	BroadcastMaxRetries  int
	BroadcastBaseBackoff time.Duration

	VoiceSpeakerID int
	VoiceSpeed     float64
	VoicePitch     float64
	VoiceVolume    float64
	CharacterName  string

	LogForwardBuffer int

	TraceExporter    string
	TraceSampleRatio float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:55601"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "companion"),
		DefaultUserID:    envOrDefault("DEFAULT_USER_ID", "default_user"),
		LLMProvider:      strings.ToLower(envOrDefault("LLM_PROVIDER", "auto")),
		LLMHTTPURL:       stringsTrimSpace("LLM_HTTP_URL"),
		LLMSystemPrompt:  stringsTrimSpace("LLM_SYSTEM_PROMPT"),
		ArkBaseURL:       stringsTrimSpace("ARK_BASE_URL"),
		ArkRegion:        stringsTrimSpace("ARK_REGION"),
		ArkAPIKey:        stringsTrimSpace("ARK_API_KEY"),
		ArkAccessKey:     stringsTrimSpace("ARK_ACCESS_KEY"),
		ArkSecretKey:     stringsTrimSpace("ARK_SECRET_KEY"),
		ArkModel:         stringsTrimSpace("ARK_MODEL"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		// Local collaborator ports of the desktop companion suite.
		UIConsumerURL:         envOrDefault("UI_CONSUMER_URL", "http://127.0.0.1:55600"),
		SpeechConsumerURL:     envOrDefault("SPEECH_CONSUMER_URL", "http://127.0.0.1:55605"),
		MemoryServiceURL:      envOrDefault("MEMORY_SERVICE_URL", "http://127.0.0.1:55602"),
		UIConsumerEnabled:     true,
		SpeechEnabled:         true,
		MemorySummaryOnExpiry: true,
		CharacterName:         stringsTrimSpace("CHARACTER_NAME"),
		ShutdownTimeout:       15 * time.Second,
		SessionTimeout:        300 * time.Second,
		SessionSweepInterval:  30 * time.Second,
		SessionMax:            1000,
		TurnHookTimeout:       15 * time.Second,
		ConsumerTimeout:       30 * time.Second,
		BroadcastMaxRetries:   3,
		BroadcastBaseBackoff:  time.Second,
		VoiceSpeakerID:        1,
		VoiceSpeed:            1.0,
		VoiceVolume:           1.0,
		LogForwardBuffer:      500,
		TraceExporter:         strings.ToLower(envOrDefault("OTEL_TRACES_EXPORTER", "none")),
		TraceSampleRatio:      1.0,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_TIMEOUT", &cfg.SessionTimeout},
		{"SESSION_SWEEP_INTERVAL", &cfg.SessionSweepInterval},
		{"TURN_MAX_DURATION", &cfg.TurnMaxDuration},
		{"TURN_HOOK_TIMEOUT", &cfg.TurnHookTimeout},
		{"CONSUMER_TIMEOUT", &cfg.ConsumerTimeout},
		{"BROADCAST_BASE_BACKOFF", &cfg.BroadcastBaseBackoff},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SESSION_MAX", &cfg.SessionMax},
		{"ARK_MAX_TOKENS", &cfg.ArkMaxTokens},
		{"BROADCAST_MAX_RETRIES", &cfg.BroadcastMaxRetries},
		{"VOICE_SPEAKER_ID", &cfg.VoiceSpeakerID},
		{"LOG_FORWARD_BUFFER", &cfg.LogForwardBuffer},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"VOICE_SPEED", &cfg.VoiceSpeed},
		{"VOICE_PITCH", &cfg.VoicePitch},
		{"VOICE_VOLUME", &cfg.VoiceVolume},
		{"OTEL_TRACES_SAMPLE_RATIO", &cfg.TraceSampleRatio},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"MEMORY_REDACT_PII", &cfg.MemoryRedactPII},
		{"UI_CONSUMER_ENABLED", &cfg.UIConsumerEnabled},
		{"SPEECH_CONSUMER_ENABLED", &cfg.SpeechEnabled},
		{"MEMORY_SUMMARY_ON_EXPIRY", &cfg.MemorySummaryOnExpiry},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionTimeout < time.Second {
		return fmt.Errorf("SESSION_TIMEOUT must be at least 1s")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.SessionMax < 0 {
		return fmt.Errorf("SESSION_MAX must be >= 0")
	}
	if c.TurnMaxDuration < 0 {
		return fmt.Errorf("TURN_MAX_DURATION must be >= 0")
	}
	if c.TurnHookTimeout <= 0 {
		return fmt.Errorf("TURN_HOOK_TIMEOUT must be positive")
	}
	if c.BroadcastMaxRetries < 0 {
		return fmt.Errorf("BROADCAST_MAX_RETRIES must be >= 0")
	}
	if c.BroadcastBaseBackoff <= 0 {
		return fmt.Errorf("BROADCAST_BASE_BACKOFF must be positive")
	}
	if c.LogForwardBuffer < 0 {
		return fmt.Errorf("LOG_FORWARD_BUFFER must be >= 0")
	}
	switch c.LLMProvider {
	case "auto", "ark", "http", "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of auto, ark, http, mock")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or text")
	}
	switch c.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("OTEL_TRACES_EXPORTER must be none or stdout")
	}
	if c.TraceSampleRatio <= 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be in (0, 1]")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
