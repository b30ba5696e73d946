package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/toolgate/internal/model"
	"github.com/msageha/toolgate/internal/store"
)

// DefaultTTL bounds how long an issued token stays redeemable. Long enough
// for a human confirmation round trip, short enough that a leaked token is
// useless soon after.
const DefaultTTL = 5 * time.Minute

// Redeem outcomes. Reasons are fixed strings so callers can surface them
// verbatim; a token that was already consumed reports "not found", same as
// one that never existed.
const (
	ReasonNotFound      = "not found"
	ReasonExpired       = "expired"
	ReasonWorkspace     = "workspace mismatch"
	ReasonDifferentTool = "issued for a different tool"
)

// Result reports whether a redemption succeeded and, if not, why.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Service issues and redeems single-use confirmation tokens. Each token is
// bound to exactly one (workspace, tool) pair and is consumed by its first
// successful redemption.
type Service struct {
	tokens store.TokenStore
	ttl    time.Duration
	now    func() time.Time
}

func NewService(tokens store.TokenStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		tokens: tokens,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a token authorizing one governed invocation of toolName in
// workspaceID. preview is an optional human-readable description of what the
// invocation will do, echoed back to the confirming party.
func (s *Service) Issue(ctx context.Context, workspaceID, toolName, preview string) (model.ConfirmToken, error) {
	if workspaceID == "" {
		return model.ConfirmToken{}, fmt.Errorf("workspace ID is required")
	}
	if toolName == "" {
		return model.ConfirmToken{}, fmt.Errorf("tool name is required")
	}

	now := s.now()
	tok := model.ConfirmToken{
		Token:         uuid.NewString(),
		WorkspaceID:   workspaceID,
		ToolName:      toolName,
		ActionPreview: preview,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.tokens.Put(ctx, tok); err != nil {
		return model.ConfirmToken{}, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// Redeem validates and consumes a token. Checks run in a fixed order:
// existence, expiry, workspace binding, tool binding. Expiry consumes the
// token; a binding mismatch does not, so a redeem attempt against the wrong
// workspace cannot burn a token still owed to its rightful holder.
func (s *Service) Redeem(ctx context.Context, token, workspaceID, toolName string) (Result, error) {
	tok, ok, err := s.tokens.Take(ctx, token)
	if err != nil {
		return Result{}, fmt.Errorf("take token: %w", err)
	}
	if !ok {
		return Result{Reason: ReasonNotFound}, nil
	}
	if tok.Expired(s.now()) {
		return Result{Reason: ReasonExpired}, nil
	}
	if tok.WorkspaceID != workspaceID {
		if err := s.tokens.Put(ctx, tok); err != nil {
			return Result{}, fmt.Errorf("restore token: %w", err)
		}
		return Result{Reason: ReasonWorkspace}, nil
	}
	if tok.ToolName != toolName {
		if err := s.tokens.Put(ctx, tok); err != nil {
			return Result{}, fmt.Errorf("restore token: %w", err)
		}
		return Result{Reason: ReasonDifferentTool}, nil
	}
	return Result{Valid: true}, nil
}

// SweepExpired purges tokens past their expiry. The daemon calls this on its
// scan ticker; redemption also checks expiry itself, so the sweep only bounds
// store growth.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.tokens.SweepExpired(ctx, s.now())
}
