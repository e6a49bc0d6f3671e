package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	// AuthPassword, when set, is required to open a panel websocket.
	AuthPassword string

	// ChatBaseURL is the base the panel dispatcher posts to (<base>/chat).
	ChatBaseURL string
	// ChatTimeout bounds a single chat request. Zero means no timeout.
	ChatTimeout time.Duration

	StatusBaseURL      string
	StatusPollInterval time.Duration

	AssemblyAIKey   string
	CerebrasKey     string
	CerebrasModelID string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	VoiceOutput      bool
	StrictInvariants bool

	SessionFile string

	LogLevel  string
	LogPretty bool

	// loadErr is kept so the caller can log it once a logger exists.
	loadErr error
}

// Load reads .env (if present) and environment variables, returning Config with sane defaults.
func Load() Config {
	err := godotenv.Load()

	chatBase := strings.TrimRight(getEnv("CHAT_BASE_URL", "http://localhost:8080"), "/")
	cfg := Config{
		HTTPAddress:        getEnv("HTTP_ADDRESS", ":8080"),
		AuthPassword:       os.Getenv("AUTH_PASSWORD"),
		ChatBaseURL:        chatBase,
		ChatTimeout:        getDuration("CHAT_TIMEOUT", 0),
		StatusBaseURL:      strings.TrimRight(getEnv("STATUS_BASE_URL", chatBase), "/"),
		StatusPollInterval: getDuration("STATUS_POLL_INTERVAL", 15*time.Second),
		AssemblyAIKey:      os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:        os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:    getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		TTSProvider:        strings.ToLower(getEnv("TTS_PROVIDER", "deepgram")),
		DeepgramKey:        os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:      os.Getenv("DEEPGRAM_MODEL"),
		ElevenLabsKey:      os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		VoiceOutput:        getBool("VOICE_OUTPUT", true),
		StrictInvariants:   getBool("STRICT_INVARIANTS", false),
		SessionFile:        getEnv("SESSION_FILE", defaultSessionFile()),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogPretty:          getBool("LOG_PRETTY", false),
		loadErr:            err,
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 15 * time.Second
	}
	return cfg
}

// Warnings lists configuration problems that degrade features without being fatal.
func (c Config) Warnings() []string {
	var out []string
	if c.loadErr != nil {
		out = append(out, "no .env file loaded: "+c.loadErr.Error())
	}
	if c.AssemblyAIKey == "" {
		out = append(out, "ASSEMBLYAI_API_KEY not set - voice capture disabled")
	}
	if c.CerebrasKey == "" {
		out = append(out, "CEREBRAS_API_KEY not set - /chat endpoint disabled")
	}
	switch c.TTSProvider {
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			out = append(out, "ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - voice output disabled")
		}
	default:
		if c.DeepgramKey == "" {
			out = append(out, "DEEPGRAM_API_KEY not set - voice output disabled")
		}
	}
	return out
}

// SpeechEnabled reports whether the configured TTS provider has credentials.
func (c Config) SpeechEnabled() bool {
	if c.TTSProvider == "elevenlabs" {
		return c.ElevenLabsKey != "" && c.ElevenLabsVoiceID != ""
	}
	return c.DeepgramKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return defaultValue
	}
	return d
}

func getBool(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return b
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".taxmate", "session.db")
	}
	return filepath.Join(home, ".taxmate", "session.db")
}
