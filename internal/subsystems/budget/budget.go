// Package budget is the autonomy budget subsystem. A session grants an
// agent a token allowance it may spend while active.
package budget

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems"
)

// Native statuses.
const (
	StatusOpen      = "open"
	StatusActive    = "active"
	StatusFrozen    = "frozen"
	StatusClosed    = "closed"
	StatusExhausted = "exhausted"
	StatusRevoked   = "revoked"
)

// Table maps budget session statuses onto the canonical model.
var Table = process.NewTable(process.KindBudget,
	map[string]process.Status{
		StatusOpen:      process.StatusPending,
		StatusActive:    process.StatusRunning,
		StatusFrozen:    process.StatusPaused,
		StatusClosed:    process.StatusCompleted,
		StatusExhausted: process.StatusFailed,
		StatusRevoked:   process.StatusCancelled,
	},
	map[process.Verb]string{
		process.VerbPause:  StatusFrozen,
		process.VerbResume: StatusActive,
		process.VerbCancel: StatusRevoked,
	},
)

// Session is one autonomy budget session.
type Session struct {
	subsystems.Base
	AgentID      string  `json:"agent_id"`
	TokenLimit   int     `json:"token_limit"`
	TokensUsed   int     `json:"tokens_used"`
	CostLimitUSD float64 `json:"cost_limit_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
}

// Remaining returns the unspent token allowance.
func (s Session) Remaining() int {
	if r := s.TokenLimit - s.TokensUsed; r > 0 {
		return r
	}
	return 0
}

// Store is the budget store contract.
type Store = subsystems.Store[Session]

// NewMemoryStore returns an empty in-memory budget store.
func NewMemoryStore() *subsystems.MemoryStore[Session, *Session] {
	return subsystems.NewMemoryStore[Session](process.KindBudget)
}

// NewAdapter exposes store to the hub.
func NewAdapter(store Store, logger *zap.Logger) process.Adapter {
	return subsystems.NewAdapter[Session](Table, store, logger,
		subsystems.WithLabel(func(s *Session) string { return s.AgentID }),
	)
}

// Service holds the operations the budget subsystem itself performs.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a budget service over store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Open creates a session in the open state.
func (s *Service) Open(ctx context.Context, tenantID uuid.UUID, agentID string, tokenLimit int, costLimitUSD float64) (Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Session{}, &process.ValidationError{Field: "agent_id", Message: "agent is required"}
	}
	if tokenLimit <= 0 {
		return Session{}, &process.ValidationError{Field: "token_limit", Message: "token limit must be positive"}
	}
	if costLimitUSD < 0 {
		return Session{}, &process.ValidationError{Field: "cost_limit_usd", Message: "cost limit cannot be negative"}
	}
	sess := Session{
		Base:         subsystems.NewBase(process.KindBudget, tenantID, StatusOpen, s.now()),
		AgentID:      agentID,
		TokenLimit:   tokenLimit,
		CostLimitUSD: costLimitUSD,
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Activate starts spending against an open session.
func (s *Service) Activate(ctx context.Context, id string, tenantID uuid.UUID) (Session, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusOpen}, StatusActive, s.now(), nil)
}

// Consume charges tokens and cost to an active session. A session whose
// token or cost limit is reached moves to exhausted.
func (s *Service) Consume(ctx context.Context, id string, tenantID uuid.UUID, tokens int, costUSD float64) (Session, error) {
	if tokens < 0 || costUSD < 0 {
		return Session{}, &process.ValidationError{Field: "tokens", Message: "usage cannot be negative"}
	}
	now := s.now()
	updated, err := s.store.Update(ctx, id, tenantID, func(sess *Session) error {
		if sess.Status != StatusActive {
			return subsystems.Illegal(sess.ID, sess.Status, "consume")
		}
		sess.TokensUsed += tokens
		sess.CostUSD += costUSD
		sess.UpdatedAt = now
		if sess.TokensUsed >= sess.TokenLimit || (sess.CostLimitUSD > 0 && sess.CostUSD >= sess.CostLimitUSD) {
			sess.Status = StatusExhausted
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	if updated.Status == StatusExhausted {
		s.logger.Info("Budget session exhausted",
			zap.String("id", updated.ID),
			zap.String("agent_id", updated.AgentID),
			zap.Int("tokens_used", updated.TokensUsed),
			zap.Int("token_limit", updated.TokenLimit),
		)
	}
	return updated, nil
}

// Close settles an active or frozen session.
func (s *Service) Close(ctx context.Context, id string, tenantID uuid.UUID) (Session, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusActive, StatusFrozen}, StatusClosed, s.now(), nil)
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, id string, tenantID uuid.UUID) (Session, error) {
	return s.store.Get(ctx, id, tenantID)
}
