package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/companion/internal/broadcast"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/control"
	"github.com/ent0n29/companion/internal/conversation"
	"github.com/ent0n29/companion/internal/downstream"
	"github.com/ent0n29/companion/internal/httpapi"
	"github.com/ent0n29/companion/internal/llm"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/turn"
)

type Options struct {
	// LogHandler is the process log handler. It is wrapped so records can be
	// forwarded to the UI on request.
	LogHandler slog.Handler
	// Shutdown is invoked by the shutdown control command.
	Shutdown control.ShutdownFunc
	// Registry overrides the default Prometheus registry, mainly for tests.
	Registry *prometheus.Registry
}

type BuildResult struct {
	Config      config.Config
	Logger      *slog.Logger
	API         *httpapi.Server
	Sessions    *session.Manager
	Pipeline    *turn.Pipeline
	Broadcaster *broadcast.Broadcaster
	Control     *control.Dispatcher
	// Logs is nil when the UI collaborator is disabled.
	Logs    *control.LogForwarder
	Metrics *observability.Metrics

	LLMProvider string
	MemoryStore string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	var metrics *observability.Metrics
	if opts.Registry != nil {
		metrics = observability.NewMetricsWithRegistry(cfg.MetricsNamespace, opts.Registry, opts.Registry)
	} else {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	handler := opts.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}

	var uiClient *downstream.UIClient
	var logs *control.LogForwarder
	if cfg.UIConsumerEnabled {
		uiClient = downstream.NewUIClient(cfg.UIConsumerURL, cfg.ConsumerTimeout)
		logs = control.NewLogForwarder(handler, uiClient, cfg.LogForwardBuffer)
		handler = logs
	}
	logger := slog.New(handler)

	store, storeMode, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	generator, provider, err := llm.NewGenerator(ctx, llm.Config{
		Provider:     cfg.LLMProvider,
		HTTPURL:      cfg.LLMHTTPURL,
		SystemPrompt: cfg.LLMSystemPrompt,
		Ark:          arkConfig(cfg),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("llm generator init failed: %w", err)
	}
	logger.Info("generator ready", "provider", provider, "memory_store", storeMode)

	contexts := conversation.NewManager(store, conversation.Options{
		RedactPII: cfg.MemoryRedactPII,
		Logger:    logger,
	})

	sessions := session.NewManager(session.Config{
		Timeout:       cfg.SessionTimeout,
		MaxSessions:   cfg.SessionMax,
		DefaultUserID: cfg.DefaultUserID,
		Logger:        logger,
	})

	dispatcher := control.NewDispatcher(control.Options{
		Logs:     toggleOrNil(logs),
		Shutdown: opts.Shutdown,
		Sessions: sessions,
		Logger:   logger,
	})

	sessions.OnExpire(session.ExpiryNotifierFunc(func(_ context.Context, e session.Expiry) error {
		dispatcher.Forget(e.SessionID)
		metrics.ObserveSessionEvent("expired_" + string(e.Reason))
		metrics.SetActiveSessions(sessions.ActiveCount())
		return nil
	}))
	if cfg.MemorySummaryOnExpiry {
		sessions.OnExpire(downstream.NewMemoryClient(cfg.MemoryServiceURL, cfg.ConsumerTimeout))
	}

	var consumers []broadcast.Consumer
	if uiClient != nil {
		consumers = append(consumers, downstream.UIConsumer{Client: uiClient})
	}
	if cfg.SpeechEnabled {
		voice := downstream.VoiceParams{
			SpeakerID: cfg.VoiceSpeakerID,
			Speed:     cfg.VoiceSpeed,
			Pitch:     cfg.VoicePitch,
			Volume:    cfg.VoiceVolume,
		}
		speech := downstream.NewSpeechClient(cfg.SpeechConsumerURL, cfg.ConsumerTimeout, voice, cfg.CharacterName)
		consumers = append(consumers, downstream.SpeechConsumer{Client: speech})
	}
	retries := cfg.BroadcastMaxRetries
	if retries == 0 {
		retries = broadcast.NoRetries
	}
	broadcaster := broadcast.New(consumers, broadcast.Options{
		MaxRetries:     retries,
		BaseBackoff:    cfg.BroadcastBaseBackoff,
		AttemptTimeout: cfg.ConsumerTimeout,
		Recorder:       metrics,
		Logger:         logger,
	})

	describer, _ := generator.(llm.ImageDescriber)
	beforeGeneration := turn.DefaultBeforeGenerationHooks(describer)
	pipelineCfg := turn.Config{
		Sessions:        sessions,
		Contexts:        contexts,
		Generator:       generator,
		Broadcaster:     broadcaster,
		Metrics:         metrics,
		Logger:          logger,
		DefaultUserID:   cfg.DefaultUserID,
		HookTimeout:     cfg.TurnHookTimeout,
		MaxTurnDuration: cfg.TurnMaxDuration,
	}
	if uiClient != nil {
		pipelineCfg.Status = uiClient
		beforeGeneration = append([]turn.Hook{turn.VoiceTranscriptHook(uiClient, logger)}, beforeGeneration...)
	}
	pipelineCfg.BeforeGeneration = beforeGeneration

	pipeline, err := turn.NewPipeline(pipelineCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("turn pipeline init failed: %w", err)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Turns:       pipeline,
		Control:     dispatcher,
		Sessions:    sessions,
		Metrics:     metrics,
		Logger:      logger,
		LLMProvider: provider,
		MemoryStore: storeMode,
	})

	cleanup := func() error {
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:      cfg,
		Logger:      logger,
		API:         api,
		Sessions:    sessions,
		Pipeline:    pipeline,
		Broadcaster: broadcaster,
		Control:     dispatcher,
		Logs:        logs,
		Metrics:     metrics,
		LLMProvider: provider,
		MemoryStore: storeMode,
		Cleanup:     cleanup,
	}, nil
}

// toggleOrNil keeps a nil forwarder from becoming a non-nil interface.
func toggleOrNil(f *control.LogForwarder) control.LogToggle {
	if f == nil {
		return nil
	}
	return f
}

func arkConfig(cfg config.Config) llm.ArkConfig {
	ark := llm.ArkConfig{
		BaseURL:   cfg.ArkBaseURL,
		Region:    cfg.ArkRegion,
		APIKey:    cfg.ArkAPIKey,
		AccessKey: cfg.ArkAccessKey,
		SecretKey: cfg.ArkSecretKey,
		Model:     cfg.ArkModel,
	}
	if cfg.ArkMaxTokens > 0 {
		maxTokens := cfg.ArkMaxTokens
		ark.MaxTokens = &maxTokens
	}
	return ark
}
