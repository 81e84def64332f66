// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/ashureev/interview-bot/internal/domain"
)

// LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderAgent  = "agent"
)

// Config holds all application configuration.
type Config struct {
	Host       string
	Port       string
	DBPath     string
	ICEServers []string

	// CORSAllowedOrigins lists origins admitted cross-origin. "*" admits any.
	CORSAllowedOrigins []string

	LLM        LLMConfig
	Deepgram   DeepgramConfig
	ElevenLabs ElevenLabsConfig

	Interview          domain.InterviewDetails
	AllowInterruptions bool
	SaveTimeout        time.Duration
	DrainTimeout       time.Duration
	ShutdownTimeout    time.Duration

	ConversationLog ConversationLogConfig
}

// LLMConfig selects and configures the response generator.
type LLMConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	AgentAddr string
}

// DeepgramConfig configures speech recognition.
type DeepgramConfig struct {
	APIKey string
	Model  string
	URL    string
}

// ElevenLabsConfig configures speech synthesis.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	Model   string
	URL     string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// interviewFile is the layout of INTERVIEW_FILE.
type interviewFile struct {
	Interview struct {
		AgentName        string `yaml:"agent_name"`
		AgentDescription string `yaml:"agent_description"`
		Difficulty       string `yaml:"difficulty"`
		ProblemType      string `yaml:"problem_type"`
		Topic            string `yaml:"topic"`
		Requirements     string `yaml:"requirements"`
		TransitionAfter  string `yaml:"transition_after"`
	} `yaml:"interview"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	apiKey := getEnv("LLM_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("GROQ_API_KEY", "")
	}

	cfg := &Config{
		Host:       getEnv("HOST", "0.0.0.0"),
		Port:       getEnv("PORT", "7860"),
		DBPath:     getEnv("DB_PATH", "./data/interviews.db"),
		ICEServers: splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),

		LLM: LLMConfig{
			Provider:  strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
			BaseURL:   getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
			APIKey:    apiKey,
			Model:     getEnv("LLM_MODEL", "meta-llama/llama-4-scout-17b-16e-instruct"),
			AgentAddr: getEnv("AGENT_ADDR", "localhost:50051"),
		},
		Deepgram: DeepgramConfig{
			APIKey: getEnv("DEEPGRAM_API_KEY", ""),
			Model:  getEnv("DEEPGRAM_MODEL", "nova-2"),
			URL:    getEnv("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:  getEnv("ELEVENLABS_API_KEY", ""),
			VoiceID: getEnv("ELEVENLABS_VOICE_ID", "gs0tAILXbY5DNrJrsM6F"),
			Model:   getEnv("ELEVENLABS_MODEL", "eleven_flash_v2_5"),
			URL:     getEnv("ELEVENLABS_URL", "wss://api.elevenlabs.io/v1"),
		},
		Interview: domain.InterviewDetails{
			AgentName:        getEnv("INTERVIEW_AGENT_NAME", "Technical Interviewer"),
			AgentDescription: getEnv("INTERVIEW_AGENT_DESCRIPTION", "an experienced technical interviewer"),
			Difficulty:       getEnv("INTERVIEW_DIFFICULTY", "medium"),
			ProblemType:      getEnv("INTERVIEW_PROBLEM_TYPE", "coding"),
			Topic:            getEnv("INTERVIEW_TOPIC", "algorithms and data structures"),
			Requirements:     getEnv("INTERVIEW_REQUIREMENTS", "none"),
			TransitionAfter:  getEnvDuration("PHASE_TRANSITION_AFTER", 3*time.Minute),
		},
		AllowInterruptions: getEnvBool("ALLOW_INTERRUPTIONS", true),
		SaveTimeout:        getEnvDuration("SAVE_TIMEOUT", 10*time.Second),
		DrainTimeout:       getEnvDuration("DRAIN_TIMEOUT", 5*time.Second),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if path := getEnv("INTERVIEW_FILE", ""); path != "" {
		details, err := LoadInterviewFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Interview = details.WithDefaults(cfg.Interview)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadInterviewFile reads interview details from a YAML file with an
// interview: block. Fields left out of the file are empty.
func LoadInterviewFile(path string) (domain.InterviewDetails, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.InterviewDetails{}, fmt.Errorf("read interview file: %w", err)
	}
	var f interviewFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.InterviewDetails{}, fmt.Errorf("parse interview file %s: %w", path, err)
	}

	in := f.Interview
	details := domain.InterviewDetails{
		AgentName:        in.AgentName,
		AgentDescription: in.AgentDescription,
		Difficulty:       in.Difficulty,
		ProblemType:      in.ProblemType,
		Topic:            in.Topic,
		Requirements:     in.Requirements,
	}
	if in.TransitionAfter != "" {
		d, err := time.ParseDuration(in.TransitionAfter)
		if err != nil {
			return domain.InterviewDetails{}, fmt.Errorf("parse interview file %s: transition_after: %w", path, err)
		}
		details.TransitionAfter = d
	}
	return details, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS cannot be empty")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.Model == "" {
			return fmt.Errorf("LLM_MODEL cannot be empty")
		}
	case ProviderAgent:
		if c.LLM.AgentAddr == "" {
			return fmt.Errorf("AGENT_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderAgent, c.LLM.Provider)
	}
	if c.ElevenLabs.VoiceID == "" {
		return fmt.Errorf("ELEVENLABS_VOICE_ID cannot be empty")
	}
	if c.Interview.TransitionAfter <= 0 {
		return fmt.Errorf("PHASE_TRANSITION_AFTER must be > 0")
	}
	if c.SaveTimeout <= 0 || c.DrainTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SAVE_TIMEOUT, DRAIN_TIMEOUT and SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "3m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
