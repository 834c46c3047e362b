package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/multimodal"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/budget"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/improvement"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/trace"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/workflow"
)

type services struct {
	traces       *trace.Service
	budgets      *budget.Service
	improvements *improvement.Service
	workflows    *workflow.Service
}

// seed creates one process per kind in a spread of states so a local hub
// has something to list and control.
func seed(ctx context.Context, s services, engine *multimodal.Engine, tenantID uuid.UUID, logger *zap.Logger) error {
	tr, err := s.traces.Start(ctx, tenantID, "checkout-latency", "gateway")
	if err != nil {
		return fmt.Errorf("seed trace: %w", err)
	}
	if _, err := s.traces.MarkRunning(ctx, tr.ID, tenantID); err != nil {
		return fmt.Errorf("seed trace: %w", err)
	}
	if _, err := s.traces.RecordSpan(ctx, tr.ID, tenantID); err != nil {
		return fmt.Errorf("seed trace: %w", err)
	}

	sess, err := s.budgets.Open(ctx, tenantID, "research-agent", 50000, 5)
	if err != nil {
		return fmt.Errorf("seed budget: %w", err)
	}
	if _, err := s.budgets.Activate(ctx, sess.ID, tenantID); err != nil {
		return fmt.Errorf("seed budget: %w", err)
	}
	if _, err := s.budgets.Consume(ctx, sess.ID, tenantID, 1200, 0.12); err != nil {
		return fmt.Errorf("seed budget: %w", err)
	}

	job, err := s.improvements.Enqueue(ctx, tenantID, "summarizer-prompt", improvement.StrategyComparison)
	if err != nil {
		return fmt.Errorf("seed improvement: %w", err)
	}
	if _, err := s.improvements.Begin(ctx, job.ID, tenantID); err != nil {
		return fmt.Errorf("seed improvement: %w", err)
	}
	if _, err := s.improvements.AddFinding(ctx, job.ID, tenantID, improvement.Finding{
		Summary:  "shorter system prompt keeps answer quality",
		Severity: "info",
	}, 0.4); err != nil {
		return fmt.Errorf("seed improvement: %w", err)
	}
	if _, err := s.improvements.Enqueue(ctx, tenantID, "router-thresholds", improvement.StrategyRegression); err != nil {
		return fmt.Errorf("seed improvement: %w", err)
	}

	exec, err := s.workflows.Schedule(ctx, tenantID, "nightly-report", workflow.Options{
		RepeatCount:    3,
		RepeatInterval: time.Hour,
		Autonomous:     true,
	})
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	if _, err := s.workflows.Start(ctx, exec.ID, tenantID); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	if _, err := s.workflows.RecordRun(ctx, exec.ID, tenantID, nil); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	if _, err := s.workflows.Schedule(ctx, tenantID, "weekly-cleanup", workflow.Options{RepeatCount: 1}); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}

	failed, err := s.traces.Start(ctx, tenantID, "embedding-backfill", "worker")
	if err != nil {
		return fmt.Errorf("seed trace: %w", err)
	}
	if _, err := s.traces.MarkRunning(ctx, failed.ID, tenantID); err != nil {
		return fmt.Errorf("seed trace: %w", err)
	}
	if _, err := s.traces.Finish(ctx, failed.ID, tenantID, "upstream returned 502"); err != nil {
		return fmt.Errorf("seed trace: %w", err)
	}

	req, err := engine.Submit(ctx, tenantID, multimodal.SubmitInput{
		Modality: string(multimodal.ModalityText),
		Input:    multimodal.Input{Prompt: "summarize the incident timeline"},
	})
	if err != nil {
		return fmt.Errorf("seed multimodal: %w", err)
	}

	logger.Info("Seeded sample processes",
		zap.String("tenant_id", tenantID.String()),
		zap.String("trace", tr.ID),
		zap.String("budget", sess.ID),
		zap.String("improvement", job.ID),
		zap.String("workflow", exec.ID),
		zap.String("multimodal", req.ID),
	)
	return nil
}

// seedAPIKey mints a full-scope key for the dev tenant. The plaintext is
// written once to out and never logged.
func seedAPIKey(ctx context.Context, store *auth.APIKeyStore, tenantID uuid.UUID, out io.Writer, logger *zap.Logger) error {
	expires := time.Now().Add(24 * time.Hour)
	plain, key, err := store.CreateAPIKey(ctx, tenantID, "dev-seed", auth.AllScopes, &expires)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "dev API key (expires %s): %s\n", expires.Format(time.RFC3339), plain); err != nil {
		return fmt.Errorf("write dev API key: %w", err)
	}
	logger.Info("Minted dev API key",
		zap.String("key_id", key.ID.String()),
		zap.String("key_prefix", key.KeyPrefix),
		zap.String("tenant_id", tenantID.String()),
		zap.Time("expires_at", expires),
	)
	return nil
}
