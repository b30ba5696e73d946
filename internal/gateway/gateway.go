// Package gateway composes the identity resolver, access policy,
// confirmation service, task dispatcher, and backend boundary into the
// request-facing façade, and hosts the daemon that serves it over a Unix
// domain socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/msageha/toolgate/internal/backend"
	"github.com/msageha/toolgate/internal/catalog"
	"github.com/msageha/toolgate/internal/confirm"
	"github.com/msageha/toolgate/internal/events"
	"github.com/msageha/toolgate/internal/identity"
	"github.com/msageha/toolgate/internal/policy"
	"github.com/msageha/toolgate/internal/workspace"
)

// Invoke envelope statuses. confirmation_required is a normal outcome, not
// an error: the caller is told exactly what to do next.
const (
	InvokeStatusOK                   = "ok"
	InvokeStatusConfirmationRequired = "confirmation_required"
	InvokeStatusError                = "error"
)

// Error codes carried inside invoke envelopes.
const (
	ErrCodeInvalidName  = "INVALID_NAME"
	ErrCodeUnknownPack  = "UNKNOWN_PACK"
	ErrCodeDenied       = "ACCESS_DENIED"
	ErrCodeProvisioning = "PROVISIONING_FAILED"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeBadReceipt   = "INVALID_RECEIPT"
	ErrCodeBackend      = "BACKEND_ERROR"
	ErrCodeUnreachable  = "BACKEND_UNREACHABLE"
)

// receiptDigestRe is the structural shape of a receipt digest (hex SHA-256).
// The gateway never verifies what the digest covers.
var receiptDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// InvokeRequest is an inbound invocation from an agent client.
type InvokeRequest struct {
	ToolName     string            `json:"tool_name"`
	WorkspaceKey string            `json:"workspace_key"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	ConfirmToken string            `json:"confirm_token,omitempty"`
	Receipts     []backend.Receipt `json:"receipts,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
}

// NextAction tells the caller which command resolves a confirmation_required
// outcome, with the parameters already filled in.
type NextAction struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
}

// ConfirmationRequired describes why an invocation was held and how to
// release it.
type ConfirmationRequired struct {
	ToolName        string     `json:"tool_name"`
	WorkspaceID     string     `json:"workspace_id"`
	Reason          string     `json:"reason"`
	RequiresPreview bool       `json:"requires_preview"`
	NextAction      NextAction `json:"next_action"`
}

// InvokeError is the error half of the invoke envelope.
type InvokeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvokeEnvelope is the uniform result of every invocation attempt.
type InvokeEnvelope struct {
	Status       string                `json:"status"`
	ToolName     string                `json:"tool_name"`
	WorkspaceID  string                `json:"workspace_id,omitempty"`
	Result       json.RawMessage       `json:"result,omitempty"`
	ExecutionID  string                `json:"execution_id,omitempty"`
	Confirmation *ConfirmationRequired `json:"confirmation,omitempty"`
	Error        *InvokeError          `json:"error,omitempty"`
}

// ConfirmGrant is the response to a confirmation request.
type ConfirmGrant struct {
	Token         string `json:"token"`
	ToolName      string `json:"tool_name"`
	WorkspaceID   string `json:"workspace_id"`
	ActionPreview string `json:"action_preview,omitempty"`
	ExpiresAt     string `json:"expires_at"`
}

// Gateway is the request-scoped façade. All state lives in the components it
// composes; the façade itself only holds the per-tool rate limiters.
type Gateway struct {
	resolver   *identity.Resolver
	policy     *policy.Policy
	confirm    *confirm.Service
	workspaces *workspace.Resolver
	catalog    *catalog.Catalog
	backend    *backend.Client
	bus        *events.Bus
	audit      *events.AuditLogger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	logger   *log.Logger
	logLevel LogLevel
}

func NewGateway(
	resolver *identity.Resolver,
	pol *policy.Policy,
	confirmSvc *confirm.Service,
	workspaces *workspace.Resolver,
	cat *catalog.Catalog,
	backendClient *backend.Client,
	bus *events.Bus,
	audit *events.AuditLogger,
	logger *log.Logger,
	logLevel LogLevel,
) *Gateway {
	return &Gateway{
		resolver:   resolver,
		policy:     pol,
		confirm:    confirmSvc,
		workspaces: workspaces,
		catalog:    cat,
		backend:    backendClient,
		bus:        bus,
		audit:      audit,
		limiters:   make(map[string]*rate.Limiter),
		logger:     logger,
		logLevel:   logLevel,
	}
}

// ListCapabilities returns the exposed tool set from the catalog cache.
func (g *Gateway) ListCapabilities() []catalog.ToolDescriptor {
	return g.catalog.List()
}

// Invoke runs the full governance flow for one invocation. Every outcome,
// including denials, comes back as an envelope; the error return is reserved
// for internal failures.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (*InvokeEnvelope, error) {
	envelope := &InvokeEnvelope{ToolName: req.ToolName}

	id, _, ok := g.resolver.ParseExternalName(req.ToolName)
	if !ok {
		return g.fail(envelope, ErrCodeInvalidName, fmt.Sprintf("malformed tool name %q", req.ToolName)), nil
	}

	workspaceID, err := g.workspaces.Resolve(ctx, req.WorkspaceKey)
	if err != nil {
		var provErr *workspace.ProvisioningError
		if errors.As(err, &provErr) {
			return g.fail(envelope, ErrCodeProvisioning, provErr.Error()), nil
		}
		return nil, err
	}
	envelope.WorkspaceID = workspaceID

	// Strict resolution rejects packs absent from the backend catalog.
	if _, err := g.resolver.Resolve(id.Pack, id.Action); err != nil {
		var unknownPack *identity.UnknownPackError
		if errors.As(err, &unknownPack) {
			return g.fail(envelope, ErrCodeUnknownPack, unknownPack.Error()), nil
		}
		return g.fail(envelope, ErrCodeInvalidName, err.Error()), nil
	}

	decision := g.policy.Classify(req.ToolName)
	if !decision.Allowed {
		g.publish(events.EventAccessDenied, map[string]any{
			"tool_name":    req.ToolName,
			"workspace_id": workspaceID,
			"client_id":    req.ClientID,
			"rule":         decision.Rule,
		})
		return g.fail(envelope, ErrCodeDenied, decision.Reason), nil
	}

	if n := decision.Constraints.MaxCallsPerMinute; n > 0 && !g.limiter(req.ToolName, n).Allow() {
		return g.fail(envelope, ErrCodeRateLimited,
			fmt.Sprintf("rate limit of %d calls/minute exceeded for %s", n, req.ToolName)), nil
	}

	if decision.Tier == policy.TierGoverned && decision.Constraints.RequiresConfirmation {
		held, err := g.checkConfirmation(ctx, req, workspaceID, decision)
		if err != nil {
			return nil, err
		}
		if held != nil {
			envelope.Status = InvokeStatusConfirmationRequired
			envelope.Confirmation = held
			g.auditLog("confirmation_required", map[string]any{
				"tool_name":    req.ToolName,
				"workspace_id": workspaceID,
				"client_id":    req.ClientID,
				"reason":       held.Reason,
			})
			return envelope, nil
		}
	}

	for _, receipt := range req.Receipts {
		if err := validateReceipt(receipt); err != nil {
			return g.fail(envelope, ErrCodeBadReceipt, err.Error()), nil
		}
	}

	resp, err := g.backend.Invoke(ctx, backend.InvokeRequest{
		Capability:  id.Canonical,
		WorkspaceID: workspaceID,
		Payload:     req.Payload,
		Receipts:    req.Receipts,
	})
	if err != nil {
		var backendErr *backend.Error
		switch {
		case errors.As(err, &backendErr):
			return g.fail(envelope, ErrCodeBackend,
				fmt.Sprintf("%s: %s", backendErr.Code, backendErr.Message)), nil
		case errors.Is(err, backend.ErrUnreachable):
			return g.fail(envelope, ErrCodeUnreachable, err.Error()), nil
		default:
			return nil, err
		}
	}

	envelope.Status = InvokeStatusOK
	envelope.Result = resp.Result
	envelope.ExecutionID = resp.ExecutionID

	g.publish(events.EventToolInvoked, map[string]any{
		"tool_name":    req.ToolName,
		"workspace_id": workspaceID,
		"client_id":    req.ClientID,
		"tier":         string(decision.Tier),
		"execution_id": resp.ExecutionID,
	})
	g.auditLog("tool_invoked", map[string]any{
		"tool_name":    req.ToolName,
		"workspace_id": workspaceID,
		"client_id":    req.ClientID,
		"execution_id": resp.ExecutionID,
		"tier":         string(decision.Tier),
	})
	g.log(LogLevelInfo, "invoke tool=%s workspace=%s tier=%s execution=%s",
		req.ToolName, workspaceID, decision.Tier, resp.ExecutionID)
	return envelope, nil
}

// checkConfirmation redeems the supplied token, or explains how to get one.
// A nil return with nil error means the invocation may proceed.
func (g *Gateway) checkConfirmation(ctx context.Context, req InvokeRequest, workspaceID string, decision policy.Decision) (*ConfirmationRequired, error) {
	held := &ConfirmationRequired{
		ToolName:        req.ToolName,
		WorkspaceID:     workspaceID,
		RequiresPreview: decision.Constraints.RequiresPreview,
		NextAction: NextAction{
			Command: "confirm_request",
			Params: map[string]string{
				"tool_name":     req.ToolName,
				"workspace_key": req.WorkspaceKey,
			},
		},
	}

	if req.ConfirmToken == "" {
		held.Reason = "confirmation token required: " + decision.Reason
		return held, nil
	}

	result, err := g.confirm.Redeem(ctx, req.ConfirmToken, workspaceID, req.ToolName)
	if err != nil {
		return nil, err
	}
	g.publish(events.EventConfirmRedeemed, map[string]any{
		"tool_name":    req.ToolName,
		"workspace_id": workspaceID,
		"client_id":    req.ClientID,
		"valid":        result.Valid,
		"reason":       result.Reason,
	})
	if !result.Valid {
		held.Reason = "confirmation token rejected: " + result.Reason
		return held, nil
	}
	return nil, nil
}

// RequestConfirmation issues a token for a governed tool. Requests for tools
// that never need confirmation are rejected so tokens cannot be stockpiled.
func (g *Gateway) RequestConfirmation(ctx context.Context, toolName, workspaceKey, preview string) (*ConfirmGrant, error) {
	if _, _, ok := g.resolver.ParseExternalName(toolName); !ok {
		return nil, fmt.Errorf("malformed tool name %q", toolName)
	}

	decision := g.policy.Classify(toolName)
	if !decision.Allowed {
		return nil, fmt.Errorf("access denied for %s: %s", toolName, decision.Reason)
	}
	if !decision.Constraints.RequiresConfirmation {
		return nil, fmt.Errorf("%s does not require confirmation", toolName)
	}
	if decision.Constraints.RequiresPreview && preview == "" {
		return nil, fmt.Errorf("%s requires an action preview describing the effect", toolName)
	}

	workspaceID, err := g.workspaces.Resolve(ctx, workspaceKey)
	if err != nil {
		return nil, err
	}

	token, err := g.confirm.Issue(ctx, workspaceID, toolName, preview)
	if err != nil {
		return nil, err
	}

	g.publish(events.EventConfirmIssued, map[string]any{
		"tool_name":    toolName,
		"workspace_id": workspaceID,
	})
	g.auditLog("confirm_issued", map[string]any{
		"tool_name":    toolName,
		"workspace_id": workspaceID,
	})
	g.log(LogLevelInfo, "confirm_issued tool=%s workspace=%s expires=%s",
		toolName, workspaceID, token.ExpiresAt.Format(time.RFC3339))

	return &ConfirmGrant{
		Token:         token.Token,
		ToolName:      token.ToolName,
		WorkspaceID:   token.WorkspaceID,
		ActionPreview: token.ActionPreview,
		ExpiresAt:     token.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// ResolveLens fetches the style profile for a workspace. The profile is
// opaque to the gateway; only the workspace resolution is ours.
func (g *Gateway) ResolveLens(ctx context.Context, workspaceKey string) (*backend.LensProfile, error) {
	workspaceID, err := g.workspaces.Resolve(ctx, workspaceKey)
	if err != nil {
		return nil, err
	}
	return g.backend.ResolveLens(ctx, workspaceID)
}

func validateReceipt(r backend.Receipt) error {
	if r.Step == "" {
		return fmt.Errorf("receipt without a step name")
	}
	if !receiptDigestRe.MatchString(r.Digest) {
		return fmt.Errorf("receipt %s: digest is not a hex sha-256", r.Step)
	}
	return nil
}

func (g *Gateway) fail(envelope *InvokeEnvelope, code, message string) *InvokeEnvelope {
	envelope.Status = InvokeStatusError
	envelope.Error = &InvokeError{Code: code, Message: message}
	g.auditLog("invoke_failed", map[string]any{
		"tool_name":    envelope.ToolName,
		"workspace_id": envelope.WorkspaceID,
		"code":         code,
	})
	g.log(LogLevelWarn, "invoke_failed tool=%s code=%s msg=%s", envelope.ToolName, code, message)
	return envelope
}

func (g *Gateway) limiter(toolName string, perMinute int) *rate.Limiter {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	lim, ok := g.limiters[toolName]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
		g.limiters[toolName] = lim
	}
	return lim
}

func (g *Gateway) publish(eventType events.EventType, data map[string]any) {
	if g.bus != nil {
		g.bus.Publish(eventType, data)
	}
}

func (g *Gateway) auditLog(eventType string, details map[string]any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(eventType, details); err != nil {
		g.log(LogLevelError, "audit write failed: %v", err)
	}
}

func (g *Gateway) log(level LogLevel, format string, args ...any) {
	if g.logger == nil || level < g.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	g.logger.Printf("%s %s gateway: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
