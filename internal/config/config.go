// Package config loads the orchestrator's external interfaces (spec §6):
// environment variables first, with an optional YAML file overlay decoded
// via gopkg.in/yaml.v3, matching the teacher's env-var-first configuration
// style (no example repo in this pack reaches for a heavier config
// framework at this service's scale, so stdlib os.Getenv + yaml is the
// idiomatic fit rather than introducing viper unprompted; see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cartorch/orchestrator/internal/model"
)

// Config holds every tunable named in spec §6.
type Config struct {
	// Connectors is the set of connector ids to enable (CONNECTORS).
	Connectors []string `yaml:"connectors"`

	// DryRun simulates Purchase Executor phase 4 instead of ordering (DRY_RUN).
	DryRun bool `yaml:"dry_run"`

	// StageTimeouts overrides the default per-stage timeout
	// (PER_STAGE_TIMEOUT_<STAGE>, seconds).
	StageTimeouts map[model.StageID]time.Duration `yaml:"stage_timeouts"`

	// PurchaseMaxRetries is PURCHASE_MAX_RETRIES, default 3.
	PurchaseMaxRetries int `yaml:"purchase_max_retries"`

	// RiskCriticalThreshold is RISK_CRITICAL_THRESHOLD, default 80.
	RiskCriticalThreshold int `yaml:"risk_critical_threshold"`

	// ConfirmationTimeout is CONFIRMATION_TIMEOUT_SEC, default 300s.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	// IdempotencyWindow is IDEMPOTENCY_WINDOW_SEC, default 300s.
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`

	// HTTPAddr is the address the transport adapter listens on.
	HTTPAddr string `yaml:"http_addr"`

	// AuditLogPath selects the filelog.Log backing store when non-empty;
	// empty means audit records are discarded rather than stored anywhere.
	AuditLogPath string `yaml:"audit_log_path"`

	// AnthropicAPIKey, when set, switches the classifier from RuleBased to
	// the Anthropic-backed one (internal/classifier/llm). Checked before
	// OpenAIAPIKey/BedrockModelID when more than one is set.
	AnthropicAPIKey string `yaml:"-"`

	// OpenAIAPIKey, when set (and AnthropicAPIKey is not), switches the
	// classifier to the OpenAI-backed one (internal/classifier/openaillm).
	OpenAIAPIKey string `yaml:"-"`

	// OpenAIModel overrides openaillm's default chat model.
	OpenAIModel string `yaml:"openai_model"`

	// BedrockModelID, when set (and neither AnthropicAPIKey nor OpenAIAPIKey
	// is), switches the classifier to the AWS Bedrock-backed one
	// (internal/classifier/bedrockllm). AWS credentials are resolved through
	// the default SDK credential chain, not this config.
	BedrockModelID string `yaml:"-"`

	// RedisAddr, when set, switches the session store and idempotency store
	// to their Redis-backed implementations.
	RedisAddr string `yaml:"redis_addr"`
}

// Default returns the spec §6 defaults.
func Default() Config {
	return Config{
		StageTimeouts: map[model.StageID]time.Duration{
			model.StageIntentExtraction: 5 * time.Second,
			model.StageTaskPlanning:     5 * time.Second,
			model.StageSearch:           10 * time.Second,
			model.StageComparison:       5 * time.Second,
			model.StageDecision:         5 * time.Second,
			model.StagePurchase:         60 * time.Second,
			model.StageQueryInfo:        5 * time.Second,
			model.StageNotification:     5 * time.Second,
		},
		PurchaseMaxRetries:    3,
		RiskCriticalThreshold: 80,
		ConfirmationTimeout:   300 * time.Second,
		IdempotencyWindow:     300 * time.Second,
		HTTPAddr:              ":8080",
	}
}

// Load builds a Config from Default(), an optional YAML file at yamlPath
// (skipped if empty or absent), and finally the process environment, which
// always wins — matching the teacher's "env overrides file" precedent.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	if v, ok := os.LookupEnv("CONNECTORS"); ok {
		cfg.Connectors = splitCSV(v)
	}
	if v, ok := os.LookupEnv("DRY_RUN"); ok {
		cfg.DryRun = parseBool(v, cfg.DryRun)
	}
	if v, ok := os.LookupEnv("PURCHASE_MAX_RETRIES"); ok {
		cfg.PurchaseMaxRetries = parseInt(v, cfg.PurchaseMaxRetries)
	}
	if v, ok := os.LookupEnv("RISK_CRITICAL_THRESHOLD"); ok {
		cfg.RiskCriticalThreshold = parseInt(v, cfg.RiskCriticalThreshold)
	}
	if v, ok := os.LookupEnv("CONFIRMATION_TIMEOUT_SEC"); ok {
		cfg.ConfirmationTimeout = parseSeconds(v, cfg.ConfirmationTimeout)
	}
	if v, ok := os.LookupEnv("IDEMPOTENCY_WINDOW_SEC"); ok {
		cfg.IdempotencyWindow = parseSeconds(v, cfg.IdempotencyWindow)
	}
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("AUDIT_LOG_PATH"); ok {
		cfg.AuditLogPath = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := os.LookupEnv("ANTHROPIC_API_KEY"); ok {
		cfg.AnthropicAPIKey = v
	}
	if v, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
		cfg.OpenAIAPIKey = v
	}
	if v, ok := os.LookupEnv("OPENAI_MODEL"); ok {
		cfg.OpenAIModel = v
	}
	if v, ok := os.LookupEnv("BEDROCK_MODEL_ID"); ok {
		cfg.BedrockModelID = v
	}

	for _, stage := range []model.StageID{
		model.StageIntentExtraction, model.StageTaskPlanning, model.StageSearch,
		model.StageComparison, model.StageDecision, model.StagePurchase,
		model.StageQueryInfo, model.StageNotification,
	} {
		envName := "PER_STAGE_TIMEOUT_" + strings.ToUpper(string(stage))
		if v, ok := os.LookupEnv(envName); ok {
			cfg.StageTimeouts[stage] = parseSeconds(v, cfg.StageTimeouts[stage])
		}
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseSeconds(v string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}
