package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/livekit"
)

// Speech recognition providers.
const (
	STTDeepgram = "deepgram"
	STTGoogle   = "google"
)

// Translation providers.
const (
	TranslationOpenAI    = "openai"
	TranslationAnthropic = "anthropic"
)

// Config holds the configuration for the worker
type Config struct {
	// LiveKit configuration
	LiveKitURL         string
	LiveKitAPIKey      string
	LiveKitAPISecret   string
	AgentName          string
	AgentIdentity      string
	Namespace          string
	JobType            livekit.JobType
	DrainTimeout       time.Duration
	MaxConcurrentJobs  int
	LogLevel           string
	PProfAddr          string
	LoadUpdateInterval time.Duration

	// Speech recognition
	STTProvider          string
	DeepgramAPIKey       string
	DeepgramModel        string
	GoogleSTTCredentials string
	STTStartTimeout      time.Duration

	// Translation
	TranslationProvider        string
	OpenAIAPIKey               string
	OpenAIBaseURL              string
	AnthropicAPIKey            string
	TranslationModel           string
	AccessibleTranslationModel string
	TranslationTemperature     float64
	TranslationTimeout         time.Duration
	TranslationContextTurns    int
	TranslationRecordReplies   bool
}

// Load loads configuration from .env, environment variables and command line flags.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	return LoadArgs(os.Args[1:])
}

// LoadArgs builds the configuration from the environment and the given flag arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := defaults()

	cfg.LiveKitURL = getEnv("LIVEKIT_URL", "")
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", "")
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", "")
	cfg.AgentName = getEnv("LK_AGENT_NAME", "")
	cfg.Namespace = getEnv("LK_NAMESPACE", "")
	cfg.PProfAddr = getEnv("LK_PPROF_ADDR", "")
	cfg.LogLevel = getEnv("LK_LOG_LEVEL", cfg.LogLevel)
	cfg.AgentIdentity = getEnv("AGENT_IDENTITY", cfg.AgentIdentity)

	if jobTypeStr := getEnv("LK_JOB_TYPE", ""); jobTypeStr != "" {
		jt, err := parseJobType(jobTypeStr)
		if err != nil {
			return nil, err
		}
		cfg.JobType = jt
	}

	cfg.DrainTimeout = getDuration("LK_DRAIN_TIMEOUT", cfg.DrainTimeout)
	if n, err := strconv.Atoi(getEnv("LK_MAX_CONCURRENT_JOBS", "")); err == nil && n > 0 {
		cfg.MaxConcurrentJobs = n
	}

	cfg.STTProvider = strings.ToLower(getEnv("STT_PROVIDER", cfg.STTProvider))
	cfg.DeepgramAPIKey = getEnv("DEEPGRAM_API_KEY", "")
	cfg.DeepgramModel = getEnv("DEEPGRAM_MODEL", cfg.DeepgramModel)
	cfg.GoogleSTTCredentials = getEnv("GOOGLE_STT_CREDENTIALS", "")
	cfg.STTStartTimeout = getDuration("STT_START_TIMEOUT", cfg.STTStartTimeout)

	cfg.TranslationProvider = strings.ToLower(getEnv("TRANSLATION_PROVIDER", cfg.TranslationProvider))
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", "")
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", "")
	cfg.TranslationModel = getEnv("TRANSLATION_MODEL", "")
	cfg.AccessibleTranslationModel = getEnv("ACCESSIBLE_TRANSLATION_MODEL", "")
	if f, err := strconv.ParseFloat(getEnv("TRANSLATION_TEMPERATURE", ""), 64); err == nil {
		cfg.TranslationTemperature = f
	}
	cfg.TranslationTimeout = getDuration("TRANSLATION_TIMEOUT", cfg.TranslationTimeout)
	if n, err := strconv.Atoi(getEnv("TRANSLATION_CONTEXT_TURNS", "")); err == nil && n >= 0 {
		cfg.TranslationContextTurns = n
	}
	if b, err := strconv.ParseBool(getEnv("TRANSLATION_RECORD_REPLIES", "")); err == nil {
		cfg.TranslationRecordReplies = b
	}

	// Override with flags
	fs := flag.NewFlagSet("coralie-captions-worker", flag.ContinueOnError)
	fs.StringVar(&cfg.LiveKitURL, "url", cfg.LiveKitURL, "LiveKit server URL")
	fs.StringVar(&cfg.LiveKitAPIKey, "api-key", cfg.LiveKitAPIKey, "LiveKit API key")
	fs.StringVar(&cfg.LiveKitAPISecret, "api-secret", cfg.LiveKitAPISecret, "LiveKit API secret")
	fs.StringVar(&cfg.AgentName, "agent-name", cfg.AgentName, "Agent name")
	fs.StringVar(&cfg.AgentIdentity, "agent-identity", cfg.AgentIdentity, "Participant identity used in rooms")
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Namespace")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.PProfAddr, "pprof-addr", cfg.PProfAddr, "pprof HTTP server address")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Drain timeout")
	fs.IntVar(&cfg.MaxConcurrentJobs, "max-jobs", cfg.MaxConcurrentJobs, "Maximum concurrent jobs")
	fs.StringVar(&cfg.STTProvider, "stt-provider", cfg.STTProvider, "Speech recognition provider (deepgram, google)")
	fs.StringVar(&cfg.TranslationProvider, "translation-provider", cfg.TranslationProvider, "Translation provider (openai, anthropic)")
	fs.StringVar(&cfg.TranslationModel, "translation-model", cfg.TranslationModel, "Model for standard captions")
	fs.StringVar(&cfg.AccessibleTranslationModel, "accessible-translation-model", cfg.AccessibleTranslationModel, "Model for accessibility-adapted captions")
	fs.DurationVar(&cfg.TranslationTimeout, "translation-timeout", cfg.TranslationTimeout, "Timeout for a single translation")
	fs.IntVar(&cfg.TranslationContextTurns, "context-turns", cfg.TranslationContextTurns, "Source turns kept per translator (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.applyModelDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		AgentIdentity:           "agent",
		JobType:                 livekit.JobType_JT_ROOM,
		DrainTimeout:            30 * time.Second,
		MaxConcurrentJobs:       8,
		LogLevel:                "info",
		LoadUpdateInterval:      5 * time.Second,
		STTProvider:             STTDeepgram,
		DeepgramModel:           "nova-2",
		STTStartTimeout:         10 * time.Second,
		TranslationProvider:     TranslationOpenAI,
		TranslationTemperature:  0.3,
		TranslationTimeout:      30 * time.Second,
		TranslationContextTurns: 40,
	}
}

func (c *Config) applyModelDefaults() {
	if c.TranslationModel == "" {
		switch c.TranslationProvider {
		case TranslationAnthropic:
			c.TranslationModel = "claude-3-5-haiku-latest"
		default:
			c.TranslationModel = "gpt-4o-mini"
		}
	}
	if c.AccessibleTranslationModel == "" {
		switch c.TranslationProvider {
		case TranslationAnthropic:
			c.AccessibleTranslationModel = "claude-sonnet-4-5"
		default:
			c.AccessibleTranslationModel = "gpt-4o"
		}
	}
}

// Validate checks required fields and provider credentials.
func (c *Config) Validate() error {
	if c.LiveKitURL == "" {
		return fmt.Errorf("LIVEKIT_URL is required")
	}
	if c.LiveKitAPIKey == "" {
		return fmt.Errorf("LIVEKIT_API_KEY is required")
	}
	if c.LiveKitAPISecret == "" {
		return fmt.Errorf("LIVEKIT_API_SECRET is required")
	}

	switch c.STTProvider {
	case STTDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for stt provider %s", c.STTProvider)
		}
	case STTGoogle:
		// Application default credentials are used when no file is given.
	default:
		return fmt.Errorf("invalid stt provider: %s (must be deepgram or google)", c.STTProvider)
	}

	switch c.TranslationProvider {
	case TranslationOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for translation provider %s", c.TranslationProvider)
		}
	case TranslationAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for translation provider %s", c.TranslationProvider)
		}
	default:
		return fmt.Errorf("invalid translation provider: %s (must be openai or anthropic)", c.TranslationProvider)
	}

	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max concurrent jobs must be positive, got %d", c.MaxConcurrentJobs)
	}
	return nil
}

func parseJobType(s string) (livekit.JobType, error) {
	switch s {
	case "JT_ROOM":
		return livekit.JobType_JT_ROOM, nil
	case "JT_PUBLISHER":
		return livekit.JobType_JT_PUBLISHER, nil
	default:
		return 0, fmt.Errorf("invalid job type: %s (must be JT_ROOM or JT_PUBLISHER)", s)
	}
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if s := getEnv(key, ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
