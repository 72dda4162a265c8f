// Package config defines the typed Config struct covering every
// environment variable the runtime recognizes, and the loader that
// parses them from the process environment with defaults and
// descriptive errors for malformed values. Settings are grouped into
// one struct per concern (Audio, STT, LLM, TTS, ...) and loaded via
// os.Getenv/godotenv rather than a config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Audio holds capture and VAD tuning.
type Audio struct {
	MicDeviceIndex       *int
	SampleRate           int
	Channels             int
	ChunkSize            int
	VADThreshold         float64
	VADThresholdSpeaking float64
	VADPrebufferChunks   int
	PlayCmd              string
}

// STT holds speech-to-text settings.
type STT struct {
	Language string
	WSHost   string
	WSPath   string
}

// LLM holds the streaming completion settings.
type LLM struct {
	Provider  string
	Model     string
	MaxTokens int64
	Effort    string
}

// TTS holds the ElevenLabs synthesis settings.
type TTS struct {
	Model        string
	VoiceID      string
	OutputFormat string
}

// Server holds the read-only HTTP diagnostics surface settings.
type Server struct {
	Addr string
}

// Persona holds the system-prompt text and archival settings independent
// of any one provider.
type Persona struct {
	SystemPrompt  string
	SessionLogDir string
}

// HomeAssistant holds the Home Assistant tool-registry connection.
type HomeAssistant struct {
	URL   string
	Token string
}

// Database holds the Postgres/pgvector connection and pool sizing.
type Database struct {
	URL       string
	PoolMin   int
	PoolMax   int
	ExportDir string
}

// Memory holds embeddings, rerank, and memory-extraction tuning.
type Memory struct {
	VoyageAPIKey           string
	VoyageModel            string
	VoyageContextModel     string
	RerankModel            string
	RerankTopK             int
	ExtractionModel        string
	ExtractionWindowTurns  int
	RAGContextTargetTokens int
	RAGTopK                int
}

// Community holds community-detection rebuild tuning.
type Community struct {
	RebuildInterval int
	MinEntities     int
}

// Config is the root configuration for the voice-assistant runtime.
type Config struct {
	Audio         Audio
	STT           STT
	LLM           LLM
	TTS           TTS
	HomeAssistant HomeAssistant
	Database      Database
	Memory        Memory
	Community     Community
	Server        Server
	Persona       Persona

	ActiveTimeoutSeconds int
	LogLevel             string
}

// Load reads Config from the process environment. Callers that want
// .env support should call godotenv.Load() before calling Load, the
// way cmd/agent/main.go does.
func Load() (*Config, error) {
	cfg := &Config{
		Audio: Audio{
			SampleRate:           16000,
			Channels:             1,
			ChunkSize:            512,
			VADThreshold:         0.5,
			VADThresholdSpeaking: 0.6,
			VADPrebufferChunks:   10,
		},
		STT: STT{
			Language: "en",
			WSHost:   "api.lokutor.com",
			WSPath:   "/stt/ws",
		},
		LLM: LLM{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
			Effort:    "medium",
		},
		TTS: TTS{
			Model:        "eleven_turbo_v2_5",
			OutputFormat: "mp3_44100_128",
		},
		Server: Server{Addr: ":8080"},
		Persona: Persona{
			SystemPrompt:  "You are a helpful and concise voice assistant. Use short sentences suitable for speech.",
			SessionLogDir: "logs/conversations",
		},
		Database: Database{
			PoolMin:   2,
			PoolMax:   10,
			ExportDir: "./exports",
		},
		Memory: Memory{
			VoyageModel:            "voyage-3",
			VoyageContextModel:     "voyage-context-3",
			RerankModel:            "rerank-2",
			RerankTopK:             5,
			ExtractionModel:        "claude-sonnet-4-20250514",
			ExtractionWindowTurns:  10,
			RAGContextTargetTokens: 1500,
			RAGTopK:                8,
		},
		Community: Community{
			RebuildInterval: 5,
			MinEntities:     5,
		},
		ActiveTimeoutSeconds: 60,
		LogLevel:             "info",
	}

	var err error
	if cfg.Audio.MicDeviceIndex, err = getIntPtr("MIC_DEVICE_INDEX"); err != nil {
		return nil, err
	}
	if cfg.Audio.SampleRate, err = getInt("SAMPLE_RATE", cfg.Audio.SampleRate); err != nil {
		return nil, err
	}
	if cfg.Audio.ChunkSize, err = getInt("CHUNK_SIZE", cfg.Audio.ChunkSize); err != nil {
		return nil, err
	}
	if cfg.Audio.Channels, err = getInt("AUDIO_CHANNELS", cfg.Audio.Channels); err != nil {
		return nil, err
	}
	if cfg.Audio.VADThreshold, err = getFloat("VAD_THRESHOLD", cfg.Audio.VADThreshold); err != nil {
		return nil, err
	}
	if cfg.Audio.VADThresholdSpeaking, err = getFloat("VAD_THRESHOLD_SPEAKING", cfg.Audio.VADThresholdSpeaking); err != nil {
		return nil, err
	}
	if cfg.Audio.VADPrebufferChunks, err = getInt("VAD_PREBUFFER_CHUNKS", cfg.Audio.VADPrebufferChunks); err != nil {
		return nil, err
	}

	cfg.Audio.PlayCmd = getString("PLAY_CMD", "ffplay")

	cfg.STT.Language = getString("STT_LANGUAGE", cfg.STT.Language)
	cfg.STT.WSHost = getString("STT_WS_HOST", cfg.STT.WSHost)
	cfg.STT.WSPath = getString("STT_WS_PATH", cfg.STT.WSPath)

	cfg.LLM.Provider = getString("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getString("CLAUDE_MODEL", cfg.LLM.Model)
	if cfg.LLM.MaxTokens, err = getInt64("CLAUDE_MAX_TOKENS", cfg.LLM.MaxTokens); err != nil {
		return nil, err
	}
	cfg.LLM.Effort = getString("CLAUDE_EFFORT", cfg.LLM.Effort)

	cfg.TTS.Model = getString("ELEVENLABS_MODEL", cfg.TTS.Model)
	cfg.TTS.VoiceID = getString("ELEVENLABS_VOICE_ID", cfg.TTS.VoiceID)
	cfg.TTS.OutputFormat = getString("ELEVENLABS_OUTPUT_FORMAT", cfg.TTS.OutputFormat)

	cfg.HomeAssistant.URL = getString("HASS_URL", "")
	cfg.HomeAssistant.Token = getString("HASS_TOKEN", "")

	cfg.Database.URL = getString("DATABASE_URL", "")
	if cfg.Database.PoolMin, err = getInt("DB_POOL_MIN", cfg.Database.PoolMin); err != nil {
		return nil, err
	}
	if cfg.Database.PoolMax, err = getInt("DB_POOL_MAX", cfg.Database.PoolMax); err != nil {
		return nil, err
	}
	if cfg.Database.PoolMin > cfg.Database.PoolMax {
		return nil, fmt.Errorf("config: DB_POOL_MIN (%d) exceeds DB_POOL_MAX (%d)", cfg.Database.PoolMin, cfg.Database.PoolMax)
	}
	cfg.Database.ExportDir = getString("DB_EXPORT_DIR", cfg.Database.ExportDir)

	cfg.Memory.VoyageAPIKey = getString("VOYAGE_API_KEY", "")
	cfg.Memory.VoyageModel = getString("VOYAGE_MODEL", cfg.Memory.VoyageModel)
	cfg.Memory.VoyageContextModel = getString("VOYAGE_CONTEXT_MODEL", cfg.Memory.VoyageContextModel)
	cfg.Memory.RerankModel = getString("RERANK_MODEL", cfg.Memory.RerankModel)
	if cfg.Memory.RerankTopK, err = getInt("RERANK_TOP_K", cfg.Memory.RerankTopK); err != nil {
		return nil, err
	}
	cfg.Memory.ExtractionModel = getString("MEMORY_EXTRACTION_MODEL", cfg.Memory.ExtractionModel)
	if cfg.Memory.ExtractionWindowTurns, err = getInt("MEMORY_EXTRACTION_WINDOW_TURNS", cfg.Memory.ExtractionWindowTurns); err != nil {
		return nil, err
	}
	if cfg.Memory.RAGContextTargetTokens, err = getInt("RAG_CONTEXT_TARGET_TOKENS", cfg.Memory.RAGContextTargetTokens); err != nil {
		return nil, err
	}
	if cfg.Memory.RAGTopK, err = getInt("RAG_TOP_K", cfg.Memory.RAGTopK); err != nil {
		return nil, err
	}

	if cfg.Community.RebuildInterval, err = getInt("COMMUNITY_REBUILD_INTERVAL", cfg.Community.RebuildInterval); err != nil {
		return nil, err
	}
	if cfg.Community.MinEntities, err = getInt("COMMUNITY_MIN_ENTITIES", cfg.Community.MinEntities); err != nil {
		return nil, err
	}

	if cfg.ActiveTimeoutSeconds, err = getInt("ACTIVE_TIMEOUT", cfg.ActiveTimeoutSeconds); err != nil {
		return nil, err
	}
	cfg.LogLevel = strings.ToLower(getString("LOG_LEVEL", cfg.LogLevel))

	cfg.Server.Addr = getString("HTTP_ADDR", cfg.Server.Addr)
	cfg.Persona.SystemPrompt = getString("PERSONA_PROMPT", cfg.Persona.SystemPrompt)
	cfg.Persona.SessionLogDir = getString("SESSION_LOG_DIR", cfg.Persona.SessionLogDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("config: SAMPLE_RATE must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.ChunkSize <= 0 {
		return fmt.Errorf("config: CHUNK_SIZE must be positive, got %d", c.Audio.ChunkSize)
	}
	return nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a valid integer: %w", key, v, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a valid integer: %w", key, v, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a valid number: %w", key, v, err)
	}
	return f, nil
}

func getIntPtr(key string) (*int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("config: %s=%q is not a valid integer: %w", key, v, err)
	}
	return &n, nil
}
