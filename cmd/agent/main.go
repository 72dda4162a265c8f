package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-orchestrator/internal/httpapi"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/audiosink"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/community"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/config"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/contextmgr"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/embeddings"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory/mock"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory/postgres"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/sessionlog"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/tools/hass"
)

// voyageDimensions is the vector width voyage-3 and voyage-context-3 both
// produce; it sizes the pgvector column when a Postgres store is opened.
const voyageDimensions = 1024

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	if os.Getenv("LOG_FORMAT") == "json" {
		logger = logging.NewJSON(cfg.LogLevel)
	}

	batchLLM, err := selectBatchLLM(cfg)
	if err != nil {
		logger.Error("llm provider selection failed", "error", err)
		os.Exit(1)
	}

	embedder := embeddings.New(getString("VOYAGE_BASE_URL", "https://api.voyageai.com/v1"), cfg.Memory.VoyageAPIKey, cfg.Memory.VoyageModel)
	reranker := embeddings.NewReranker(getString("VOYAGE_BASE_URL", "https://api.voyageai.com/v1"), cfg.Memory.VoyageAPIKey, cfg.Memory.RerankModel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, pgStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("memory store open failed", "error", err)
		os.Exit(1)
	}
	if pgStore != nil {
		defer pgStore.Close()
	}

	detector := community.NewDetector(store, embedder, llmSummarizer{batchLLM}, cfg.Community.MinEntities, 1)

	extractor := memory.NewExtractor(store, embedder, reranker, batchLLM, "default",
		memory.WithWindowTurns(cfg.Memory.ExtractionWindowTurns),
		memory.WithRebuildInterval(cfg.Community.RebuildInterval),
		memory.WithTokenBudget(cfg.Memory.RAGContextTargetTokens),
		memory.WithTopKEntities(cfg.Memory.RAGTopK),
		memory.WithTopKRerank(cfg.Memory.RerankTopK),
		memory.WithCommunityRebuildHook(func(rebuildCtx context.Context) {
			n, err := detector.Rebuild(rebuildCtx)
			if err != nil {
				logger.Warn("community rebuild failed", "error", err)
				return
			}
			logger.Info("community rebuild complete", "communities", n)
		}),
	)

	var tools orchestrator.ToolExecutor
	if cfg.HomeAssistant.URL != "" {
		registry := hass.New(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token)
		if err := registry.Discover(ctx); err != nil {
			logger.Warn("home assistant discovery failed", "error", err)
		}
		tools = registry
	}

	ctxmgr := contextmgr.New(cfg.Persona.SystemPrompt)

	stt := sttProvider.NewStreamingClient(getString("LOKUTOR_API_KEY", ""), cfg.STT.WSHost, cfg.STT.WSPath)
	llmStream := llmProvider.NewAnthropicStream(getString("ANTHROPIC_API_KEY", ""), cfg.LLM.Model)
	tts := ttsProvider.NewLokutorTTS(getString("LOKUTOR_API_KEY", ""))

	vad := orchestrator.NewDetector(orchestrator.NewRMSSpeechModel(cfg.Audio.VADThreshold*2), cfg.Audio.VADThreshold, cfg.Audio.VADPrebufferChunks)

	archiver := sessionlog.New(cfg.Persona.SessionLogDir)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.SampleRate = cfg.Audio.SampleRate
	orchCfg.VADThreshold = cfg.Audio.VADThreshold
	orchCfg.VADThresholdSpeaking = cfg.Audio.VADThresholdSpeaking
	orchCfg.VADPreBufferChunks = cfg.Audio.VADPrebufferChunks
	orchCfg.ActiveTimeout = time.Duration(cfg.ActiveTimeoutSeconds) * time.Second
	orchCfg.Language = orchestrator.Language(cfg.STT.Language)
	orchCfg.Voice = orchestrator.Voice(cfg.TTS.VoiceID)

	newPlayer := func() (orchestrator.Player, error) {
		sink, err := audiosink.New(audiosink.Spec{
			Format:   audiosink.FormatS16LE,
			Channels: cfg.Audio.Channels,
			Rate:     cfg.Audio.SampleRate,
		}, cfg.Audio.PlayCmd)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}

	turn := orchestrator.NewTurn(orchestrator.NewStateMachine(), vad, stt, llmStream, tts, ctxmgr, archiver, extractor, tools, newPlayer, orchCfg, logger)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: httpapi.NewServer(diagnosticsAdapter{turn: turn, pgStore: pgStore}),
	}
	go func() {
		logger.Info("http diagnostics server listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		logger.Error("malgo init failed", "error", err)
		os.Exit(1)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Audio.Channels)
	deviceConfig.SampleRate = uint32(cfg.Audio.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	// cfg.Audio.MicDeviceIndex selects a non-default capture device by
	// enumerating mctx.Devices(malgo.Capture); left at the OS default here
	// since the runtime this targets only ever has one capture device.

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if len(pInput) == 0 {
			return
		}
		chunk := make([]byte, len(pInput))
		copy(chunk, pInput)
		if err := turn.HandleAudioChunk(ctx, chunk); err != nil {
			logger.Warn("handle audio chunk failed", "error", err)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		logger.Error("malgo device init failed", "error", err)
		os.Exit(1)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		logger.Error("malgo device start failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Voice assistant running. STT=streaming LLM=%s TTS=lokutor. State: %s\n", cfg.LLM.Provider, turn.CurrentState())
	fmt.Println("Press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	turn.Shutdown(shutdownCtx)
	httpSrv.Shutdown(shutdownCtx)
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// selectBatchLLM picks the non-streaming LLMProvider used by the memory
// extractor and the community summarizer, independent of the streaming
// conversational model.
func selectBatchLLM(cfg *config.Config) (orchestrator.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		key := getString("OPENAI_API_KEY", "")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		return llmProvider.NewOpenAILLM(key, "gpt-4o"), nil
	case "google":
		key := getString("GOOGLE_API_KEY", "")
		if key == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		return llmProvider.NewGoogleLLM(key, "gemini-1.5-flash"), nil
	case "groq":
		key := getString("GROQ_API_KEY", "")
		if key == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		return llmProvider.NewGroqLLM(key, "llama-3.3-70b-versatile"), nil
	case "anthropic":
		fallthrough
	default:
		key := getString("ANTHROPIC_API_KEY", "")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		return llmProvider.NewAnthropicLLM(key, cfg.LLM.Model), nil
	}
}

// openStore opens the Postgres-backed store when DATABASE_URL is set,
// otherwise an in-memory store suitable for local development. pgStore is
// returned alongside the interface value so the caller can close the pool
// and the HTTP diagnostics adapter can read its stats; it is nil in the
// mock case.
func openStore(ctx context.Context, cfg *config.Config) (memory.Store, *postgres.Store, error) {
	if cfg.Database.URL == "" {
		return mock.New(), nil, nil
	}
	store, err := postgres.NewStore(ctx, cfg.Database.URL, voyageDimensions)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// llmSummarizer adapts an orchestrator.LLMProvider's single-shot Complete
// call to community.Summarizer's member-name-list shape.
type llmSummarizer struct {
	llm orchestrator.LLMProvider
}

func (s llmSummarizer) Summarize(ctx context.Context, memberNames []string) (string, error) {
	prompt := "Summarize in one sentence what connects these related items: " + joinComma(memberNames)
	return s.llm.Complete(ctx, []orchestrator.Message{{Role: "user", Content: orchestrator.TextContent(prompt)}})
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

// diagnosticsAdapter satisfies httpapi.Orchestrator, translating the turn
// orchestrator's internal Diagnostics (and the optional Postgres pool's
// stats) into the HTTP-facing shape.
type diagnosticsAdapter struct {
	turn    *orchestrator.Turn
	pgStore *postgres.Store
}

func (a diagnosticsAdapter) CurrentState() orchestrator.State {
	return a.turn.CurrentState()
}

func (a diagnosticsAdapter) Diagnostics() httpapi.Diagnostics {
	d := a.turn.Diagnostics()
	out := httpapi.Diagnostics{
		State:            d.State,
		BackgroundTasks:  d.BackgroundTasks,
		ActiveTimeoutSet: d.ActiveTimeoutSet,
		GoroutineCount:   runtime.NumGoroutine(),
	}
	if a.pgStore != nil {
		total, idle := a.pgStore.Stat()
		out.DBPoolSize = &total
		out.DBPoolFree = &idle
	}
	return out
}
