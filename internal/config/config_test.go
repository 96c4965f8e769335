package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTimeout != 300*time.Second {
		t.Fatalf("SessionTimeout = %s, want 5m0s", cfg.SessionTimeout)
	}
	if cfg.SessionMax != 1000 {
		t.Fatalf("SessionMax = %d, want 1000", cfg.SessionMax)
	}
	if cfg.TurnHookTimeout != 15*time.Second {
		t.Fatalf("TurnHookTimeout = %s, want 15s", cfg.TurnHookTimeout)
	}
	if cfg.DefaultUserID != "default_user" {
		t.Fatalf("DefaultUserID = %q, want default_user", cfg.DefaultUserID)
	}
	if cfg.BroadcastMaxRetries != 3 || cfg.BroadcastBaseBackoff != time.Second {
		t.Fatalf("broadcast retries = %d/%s, want 3/1s", cfg.BroadcastMaxRetries, cfg.BroadcastBaseBackoff)
	}
	if cfg.ConsumerTimeout != 30*time.Second {
		t.Fatalf("ConsumerTimeout = %s, want 30s", cfg.ConsumerTimeout)
	}
	if cfg.TurnMaxDuration != 0 {
		t.Fatalf("TurnMaxDuration = %s, want disabled", cfg.TurnMaxDuration)
	}
	if cfg.LLMProvider != "auto" {
		t.Fatalf("LLMProvider = %q, want auto", cfg.LLMProvider)
	}
	if cfg.LLMHTTPURL != "" {
		t.Fatalf("LLMHTTPURL = %q, want empty default", cfg.LLMHTTPURL)
	}
	if !cfg.UIConsumerEnabled || !cfg.SpeechEnabled || !cfg.MemorySummaryOnExpiry {
		t.Fatalf("collaborators should be enabled by default: %+v", cfg)
	}
	if cfg.TraceExporter != "none" || cfg.TraceSampleRatio != 1 {
		t.Fatalf("tracing = %q/%v, want none/1", cfg.TraceExporter, cfg.TraceSampleRatio)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SESSION_TIMEOUT", "90s")
	t.Setenv("SESSION_MAX", "12")
	t.Setenv("TURN_MAX_DURATION", "45s")
	t.Setenv("LLM_PROVIDER", "HTTP")
	t.Setenv("LLM_HTTP_URL", " http://localhost:7777/generate ")
	t.Setenv("VOICE_SPEED", "1.25")
	t.Setenv("SPEECH_CONSUMER_ENABLED", "off")
	t.Setenv("MEMORY_REDACT_PII", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.SessionTimeout != 90*time.Second || cfg.SessionMax != 12 {
		t.Fatalf("session settings = %s/%d", cfg.SessionTimeout, cfg.SessionMax)
	}
	if cfg.TurnMaxDuration != 45*time.Second {
		t.Fatalf("TurnMaxDuration = %s", cfg.TurnMaxDuration)
	}
	if cfg.LLMProvider != "http" || cfg.LLMHTTPURL != "http://localhost:7777/generate" {
		t.Fatalf("llm settings = %q %q", cfg.LLMProvider, cfg.LLMHTTPURL)
	}
	if cfg.VoiceSpeed != 1.25 {
		t.Fatalf("VoiceSpeed = %v", cfg.VoiceSpeed)
	}
	if cfg.SpeechEnabled {
		t.Fatalf("SpeechEnabled = true, want false")
	}
	if !cfg.MemoryRedactPII {
		t.Fatalf("MemoryRedactPII = false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"SESSION_TIMEOUT", "soon", "SESSION_TIMEOUT parse error"},
		{"SESSION_TIMEOUT", "10ms", "SESSION_TIMEOUT must be at least 1s"},
		{"SESSION_MAX", "-1", "SESSION_MAX must be >= 0"},
		{"BROADCAST_MAX_RETRIES", "x", "BROADCAST_MAX_RETRIES parse error"},
		{"VOICE_PITCH", "high", "VOICE_PITCH parse error"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "APP_ALLOW_ANY_ORIGIN parse error"},
		{"LLM_PROVIDER", "gpt", "LLM_PROVIDER must be one of"},
		{"APP_LOG_FORMAT", "xml", "APP_LOG_FORMAT must be json or text"},
		{"OTEL_TRACES_EXPORTER", "jaeger", "OTEL_TRACES_EXPORTER must be none or stdout"},
		{"OTEL_TRACES_SAMPLE_RATIO", "1.5", "OTEL_TRACES_SAMPLE_RATIO must be in (0, 1]"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"SESSION_TIMEOUT",
		"SESSION_SWEEP_INTERVAL",
		"SESSION_MAX",
		"DEFAULT_USER_ID",
		"TURN_MAX_DURATION",
		"TURN_HOOK_TIMEOUT",
		"LLM_PROVIDER",
		"LLM_HTTP_URL",
		"LLM_SYSTEM_PROMPT",
		"ARK_BASE_URL",
		"ARK_REGION",
		"ARK_API_KEY",
		"ARK_ACCESS_KEY",
		"ARK_SECRET_KEY",
		"ARK_MODEL",
		"ARK_MAX_TOKENS",
		"DATABASE_URL",
		"MEMORY_REDACT_PII",
		"UI_CONSUMER_URL",
		"UI_CONSUMER_ENABLED",
		"SPEECH_CONSUMER_URL",
		"SPEECH_CONSUMER_ENABLED",
		"MEMORY_SERVICE_URL",
		"MEMORY_SUMMARY_ON_EXPIRY",
		"CONSUMER_TIMEOUT",
		"BROADCAST_MAX_RETRIES",
		"BROADCAST_BASE_BACKOFF",
		"VOICE_SPEAKER_ID",
		"VOICE_SPEED",
		"VOICE_PITCH",
		"VOICE_VOLUME",
		"CHARACTER_NAME",
		"LOG_FORWARD_BUFFER",
		"OTEL_TRACES_EXPORTER",
		"OTEL_TRACES_SAMPLE_RATIO",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
