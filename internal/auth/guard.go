package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// Decider evaluates authorization input. *policy.Engine satisfies it.
type Decider interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Guard enforces scope and tenant checks before every hub operation.
// It fails closed: anything it cannot positively allow is denied.
type Guard struct {
	decider Decider
	logger  *zap.Logger
}

// NewGuard creates a guard backed by decider.
func NewGuard(decider Decider, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{decider: decider, logger: logger}
}

// Authorize returns the caller when op is permitted, otherwise a
// ScopeDeniedError.
func (g *Guard) Authorize(ctx context.Context, op OperationClass) (*UserContext, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user == nil {
		return nil, g.deny(op, "missing user context")
	}
	if user.TenantID == uuid.Nil {
		return nil, g.deny(op, "missing tenant context")
	}
	if len(user.Scopes) == 0 {
		return nil, g.deny(op, "no scopes granted")
	}
	// Missing scopes are denied locally; the policy still has the final say
	// on everything else.
	if scope, known := RequiredScope[op]; known && !user.HasScope(scope) {
		return nil, g.deny(op, fmt.Sprintf("scope %s required", scope))
	}
	if g.decider == nil {
		return nil, g.deny(op, "no policy configured")
	}

	decision, err := g.decider.Evaluate(ctx, policy.Input{
		Operation: string(op),
		TenantID:  user.TenantID.String(),
		Scopes:    user.Scopes,
		Subject:   user.UserID.String(),
	})
	if err != nil {
		g.logger.Warn("Policy evaluation failed, denying", zap.String("operation", string(op)), zap.Error(err))
		return nil, g.deny(op, "policy evaluation failed")
	}
	if !decision.Allow {
		g.logger.Debug("Scope denied",
			zap.String("operation", string(op)),
			zap.String("tenant_id", user.TenantID.String()),
			zap.String("reason", decision.Reason),
		)
		return nil, g.deny(op, decision.Reason)
	}
	metrics.AuthDecisions.WithLabelValues(string(op), "allow").Inc()
	return user, nil
}

func (g *Guard) deny(op OperationClass, reason string) error {
	metrics.AuthDecisions.WithLabelValues(string(op), "deny").Inc()
	return &process.ScopeDeniedError{Operation: string(op), Reason: reason}
}

// CheckTenant hides entities owned by another tenant behind NotFound so
// callers cannot probe for foreign ids.
func (g *Guard) CheckTenant(user *UserContext, id string, owner uuid.UUID) error {
	if user == nil || user.TenantID == uuid.Nil || user.TenantID != owner {
		kind, _ := process.KindFromID(id)
		return &process.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
