// Command orchestrator runs the conversational commerce orchestrator: it
// wires the Session Store, Event Bus, Connector Registry, Pipeline Engine,
// and Transport Adapter from internal/config, then serves the REST/WS
// surface until the process receives SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/cartorch/orchestrator/internal/audit"
	"github.com/cartorch/orchestrator/internal/audit/filelog"
	"github.com/cartorch/orchestrator/internal/classifier"
	"github.com/cartorch/orchestrator/internal/classifier/bedrockllm"
	"github.com/cartorch/orchestrator/internal/classifier/llm"
	"github.com/cartorch/orchestrator/internal/classifier/openaillm"
	"github.com/cartorch/orchestrator/internal/config"
	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/connector/httpconn"
	"github.com/cartorch/orchestrator/internal/events"
	"github.com/cartorch/orchestrator/internal/events/pulsebus"
	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/pipeline"
	"github.com/cartorch/orchestrator/internal/purchase"
	"github.com/cartorch/orchestrator/internal/purchase/redisidem"
	"github.com/cartorch/orchestrator/internal/ranking"
	"github.com/cartorch/orchestrator/internal/retry"
	"github.com/cartorch/orchestrator/internal/search"
	"github.com/cartorch/orchestrator/internal/session"
	"github.com/cartorch/orchestrator/internal/session/inmem"
	"github.com/cartorch/orchestrator/internal/session/redisjournal"
	"github.com/cartorch/orchestrator/internal/telemetry"
	transporthttp "github.com/cartorch/orchestrator/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("ORCHESTRATOR_CONFIG"))
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	ctx := context.Background()

	registry := connector.NewRegistry()
	for _, id := range cfg.Connectors {
		baseURL := os.Getenv("CONNECTOR_" + envSafe(id) + "_URL")
		if baseURL == "" {
			logger.Warn(ctx, "connector has no base URL configured, skipping", "connector_id", id)
			continue
		}
		registry.Add(httpconn.New(id, baseURL, []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder}, nil))
	}
	logger.Info(ctx, "connectors configured", "count", registry.Len())

	// Precedence mirrors spec §6: an explicit Anthropic key wins, then
	// OpenAI, then Bedrock (resolved through the AWS default credential
	// chain), falling back to the dependency-free RuleBased classifier.
	var cls classifier.Classifier
	switch {
	case cfg.AnthropicAPIKey != "":
		client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		cls = llm.New(&client.Messages, "")
	case cfg.OpenAIAPIKey != "":
		client := openaisdk.NewClient(openaioption.WithAPIKey(cfg.OpenAIAPIKey))
		cls = openaillm.New(&client.Chat.Completions, cfg.OpenAIModel)
	case cfg.BedrockModelID != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config for bedrock classifier: %w", err)
		}
		bedrockCls, err := bedrockllm.New(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID)
		if err != nil {
			return fmt.Errorf("bedrock classifier: %w", err)
		}
		cls = bedrockCls
	default:
		cls = classifier.NewRuleBased()
	}

	var auditLog audit.Log
	if cfg.AuditLogPath != "" {
		fl, err := filelog.Open(cfg.AuditLogPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer fl.Close()
		auditLog = fl
	} else {
		auditLog = noopAudit{}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	var store session.Store
	if rdb != nil {
		store = redisjournal.New(rdb, 24*time.Hour)
		logger.Info(ctx, "session store backed by redis", "addr", cfg.RedisAddr)
	} else {
		store = inmem.New()
	}

	// events.Bus's Subscription is a sealed interface by design (spec §4.2),
	// so pulsebus.Bus cannot implement events.Bus directly; events.FanOutBus
	// wraps the in-process Bus and forwards Publish to it as a cross-process
	// fanout, letting a WebSocket subscriber connected to a different process
	// than the one running the pipeline still see every event.
	var bus events.Bus = events.NewBus(0)
	if rdb != nil {
		pb := pulsebus.New(rdb, 1000)
		bus = events.NewFanOutBus(bus, pb, func(err error) {
			logger.Warn(ctx, "pulsebus publish failed", "err", err)
		})
	}
	fanOut := search.NewFanOut(registry, 16, 2*time.Second, 5)

	var idemStore purchase.IdempotencyStore
	if rdb != nil {
		idemStore = redisidem.New(rdb)
	} else {
		idemStore = purchase.NewMemoryIdempotencyStore()
	}
	auditFn := func(ctx context.Context, runID, sessionID, action string, detail map[string]any) (string, error) {
		id := audit.NewID()
		return id, auditLog.Append(ctx, model.AuditRecord{
			ID: id, Timestamp: time.Now(), RunID: runID, SessionID: sessionID,
			Actor: "purchase_executor", Action: action, Detail: detail,
		})
	}

	// engineRef is assigned once pipeline.New returns below; reconfirm is
	// handed to purchase.New first because Executor construction must precede
	// Engine construction, so the closure captures the pointer variable
	// itself rather than its (not-yet-set) value.
	var engineRef *pipeline.Engine
	reconfirm := func(ctx context.Context, sessionID, runID, reason string, score int) bool {
		if engineRef == nil {
			return false
		}
		return engineRef.Reconfirm(ctx, sessionID, runID, reason, score)
	}

	executor := purchase.New(purchase.Config{
		RetryConfig:           retry.Config{MaxAttempts: cfg.PurchaseMaxRetries, InitialBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second},
		IdempotencyWindow:     cfg.IdempotencyWindow,
		DryRun:                cfg.DryRun,
		RiskCriticalThreshold: cfg.RiskCriticalThreshold,
	}, idemStore, nil, auditFn, reconfirm, registry.Get)

	engineCfg := pipeline.DefaultConfig()
	engineCfg.StageTimeouts = cfg.StageTimeouts
	engineCfg.ConfirmationTimeout = cfg.ConfirmationTimeout
	engineCfg.RankingWeights = ranking.DefaultWeights

	engine := pipeline.New(engineCfg, store, bus, auditLog, registry, cls, fanOut, nil, executor, nil, logger)
	engineRef = engine

	srv := transporthttp.NewServer(engine, store, bus, logger)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Routes()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func envSafe(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// noopAudit is used when AUDIT_LOG_PATH is unset: audit records are computed
// (and still attached to PurchaseResult.AuditIDs via the id this returns)
// but not persisted anywhere durable.
type noopAudit struct{}

func (noopAudit) Append(context.Context, model.AuditRecord) error { return nil }
func (noopAudit) Scan(context.Context, func(model.AuditRecord) error) error { return nil }
