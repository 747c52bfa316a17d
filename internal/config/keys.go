package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names the secret in the secret store.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TUTOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TUTOR_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.backend", typ: kString, env: "TUTOR_LLM_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.LLM.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Backend },
	},
	{
		key: "llm.base_url", typ: kString, env: "TUTOR_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "TUTOR_LLM_API_KEY",
		secret: true, account: "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.fast_model", typ: kString, env: "TUTOR_LLM_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.FastModel },
	},
	{
		key: "llm.deep_model", typ: kString, env: "TUTOR_LLM_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.DeepModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "TUTOR_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TUTOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "workflow.max_iterations", typ: kInt, env: "TUTOR_WORKFLOW_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.MaxIterations },
	},
	{
		key: "workflow.min_context_chars", typ: kInt, env: "TUTOR_WORKFLOW_MIN_CONTEXT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.MinContextChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.MinContextChars },
	},
	{
		key: "workflow.short_description_chars", typ: kInt, env: "TUTOR_WORKFLOW_SHORT_DESCRIPTION_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.ShortDescriptionChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.ShortDescriptionChars },
	},
	{
		key: "workflow.low_priority_threshold", typ: kFloat, env: "TUTOR_WORKFLOW_LOW_PRIORITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Workflow.LowPriorityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Workflow.LowPriorityThreshold },
	},
	{
		key: "workflow.low_confidence_threshold", typ: kFloat, env: "TUTOR_WORKFLOW_LOW_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Workflow.LowConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Workflow.LowConfidenceThreshold },
	},
	{
		key: "workflow.step_timeout_seconds", typ: kInt, env: "TUTOR_WORKFLOW_STEP_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.StepTimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.StepTimeoutSeconds },
	},
	{
		key: "workflow.retry_budget", typ: kInt, env: "TUTOR_WORKFLOW_RETRY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Workflow.RetryBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.RetryBudget },
	},
	{
		key: "workflow.pattern_window", typ: kInt, env: "TUTOR_WORKFLOW_PATTERN_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Workflow.PatternWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.PatternWindow },
	},
	{
		key: "workflow.trend_window", typ: kInt, env: "TUTOR_WORKFLOW_TREND_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Workflow.TrendWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.TrendWindow },
	},
	{
		key: "workflow.priority_weights", typ: kString, env: "TUTOR_WORKFLOW_PRIORITY_WEIGHTS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.PriorityWeights = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.PriorityWeights },
	},
	{
		key: "workflow.confidence_weights", typ: kString, env: "TUTOR_WORKFLOW_CONFIDENCE_WEIGHTS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.ConfidenceWeights = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.ConfidenceWeights },
	},
	{
		key: "knowledge.top_k", typ: kInt, env: "TUTOR_KNOWLEDGE_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.TopK },
	},
	{
		key: "knowledge.theory_results", typ: kInt, env: "TUTOR_KNOWLEDGE_THEORY_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.TheoryResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.TheoryResults },
	},
	{
		key: "knowledge.max_context_tokens", typ: kInt, env: "TUTOR_KNOWLEDGE_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.MaxContextTokens },
	},
	{
		key: "knowledge.chunk_target", typ: kInt, env: "TUTOR_KNOWLEDGE_CHUNK_TARGET",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.ChunkTarget = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.ChunkTarget },
	},
	{
		key: "knowledge.reranking_enabled", typ: kBool, env: "TUTOR_KNOWLEDGE_RERANKING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.RerankingEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Knowledge.RerankingEnabled },
	},
	{
		key: "knowledge.reranking_timeout", typ: kString, env: "TUTOR_KNOWLEDGE_RERANKING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.RerankingTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Knowledge.RerankingTimeout },
	},
	{
		key: "knowledge.reranking_threshold", typ: kFloat, env: "TUTOR_KNOWLEDGE_RERANKING_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.RerankingThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Knowledge.RerankingThreshold },
	},
	{
		key: "log.level", typ: kString, env: "TUTOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw text to the Go type the key holds.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyStore fails on a stored value that does not parse, since it was
// written through config set and means the store is corrupt.
func applyStore(cfg *Config, st Store) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := st.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides skips variables that do not parse and keeps the
// previous value.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparseable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
