package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Workflow  WorkflowConfig
	Knowledge KnowledgeConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LLMConfig struct {
	// Backend is "ollama" or "openai".
	Backend    string
	BaseURL    string
	APIKey     string
	FastModel  string
	DeepModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type WorkflowConfig struct {
	MaxIterations          int
	MinContextChars        int
	ShortDescriptionChars  int
	LowPriorityThreshold   float64
	LowConfidenceThreshold float64
	StepTimeoutSeconds     int
	RetryBudget            int
	PatternWindow          int
	TrendWindow            int
	// PriorityWeights are relevance, impact and addressability, comma separated.
	PriorityWeights string
	// ConfidenceWeights are gap count, context and evaluation, comma separated.
	ConfidenceWeights string
}

type KnowledgeConfig struct {
	TopK               int
	TheoryResults      int
	MaxContextTokens   int
	ChunkTarget        int
	RerankingEnabled   bool
	RerankingTimeout   string
	RerankingThreshold float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		LLM: LLMConfig{
			Backend:    "ollama",
			BaseURL:    "http://localhost:11434",
			FastModel:  "qwen2.5:3b",
			DeepModel:  "qwen2.5:14b",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Workflow: WorkflowConfig{
			MaxIterations:          3,
			MinContextChars:        20,
			ShortDescriptionChars:  50,
			LowPriorityThreshold:   0.5,
			LowConfidenceThreshold: 0.6,
			StepTimeoutSeconds:     60,
			RetryBudget:            1,
			PatternWindow:          10,
			TrendWindow:            50,
			PriorityWeights:        "0.4,0.4,0.2",
			ConfidenceWeights:      "0.4,0.3,0.3",
		},
		Knowledge: KnowledgeConfig{
			TopK:               5,
			TheoryResults:      3,
			MaxContextTokens:   4000,
			ChunkTarget:        800,
			RerankingTimeout:   "5s",
			RerankingThreshold: 0.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StepTimeout is the bound on every LLM and knowledge call.
func (w WorkflowConfig) StepTimeout() time.Duration {
	return time.Duration(w.StepTimeoutSeconds) * time.Second
}

// RerankTimeout parses RerankingTimeout, falling back to 5s.
func (k KnowledgeConfig) RerankTimeout() time.Duration {
	d, err := time.ParseDuration(k.RerankingTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ParseWeights reads three comma separated non-negative weights.
func ParseWeights(s string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("want 3 comma separated weights, got %q", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, fmt.Errorf("weight %d: %w", i+1, err)
		}
		if f < 0 {
			return out, fmt.Errorf("weight %d is negative", i+1)
		}
		out[i] = f
	}
	return out, nil
}

// Load reads configuration from the platform settings store, environment
// variables and the platform secret store.
//
// On macOS settings live in the UserDefaults domain com.kalambet.tutor and
// secrets in the login keychain. Elsewhere settings are read from
// $XDG_CONFIG_HOME/tutor/config.json and secrets from
// $XDG_DATA_HOME/tutor/secrets.json.
//
// TUTOR_* environment variables win over stored values, secrets included.
func Load() (Config, error) {
	return loadWith(newPlatformStore(), newSecretStore())
}

func loadWith(st Store, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyStore(&cfg, st); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LLM.Backend {
	case "ollama", "openai":
	default:
		return fmt.Errorf("invalid llm.backend %q: want ollama or openai", c.LLM.Backend)
	}
	if _, err := ParseWeights(c.Workflow.PriorityWeights); err != nil {
		return fmt.Errorf("invalid workflow.priority_weights: %w", err)
	}
	if _, err := ParseWeights(c.Workflow.ConfidenceWeights); err != nil {
		return fmt.Errorf("invalid workflow.confidence_weights: %w", err)
	}
	return nil
}

const secretService = "tutor"
