package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/toolgate/internal/backend"
	"github.com/msageha/toolgate/internal/catalog"
	"github.com/msageha/toolgate/internal/confirm"
	"github.com/msageha/toolgate/internal/identity"
	"github.com/msageha/toolgate/internal/model"
	"github.com/msageha/toolgate/internal/policy"
	"github.com/msageha/toolgate/internal/store"
	"github.com/msageha/toolgate/internal/workspace"
)

// testBackend fakes the execution engine: deterministic workspace resolution,
// a small fixed catalog, and a recording invoke endpoint.
type testBackend struct {
	srv *httptest.Server

	mu         sync.Mutex
	invokes    []backend.InvokeRequest
	invokeCode int    // non-zero: respond with this HTTP status
	invokeBody string // body returned alongside invokeCode
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	tb := &testBackend{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workspaces/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExternalKey string `json:"external_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"workspace_id": "ws-" + req.ExternalKey,
			"created":      false,
		})
	})
	mux.HandleFunc("/api/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"capabilities": []map[string]any{
				{"pack": "crm", "action": "get_customer"},
				{"pack": "crm", "action": "update_customer"},
				{"pack": "crm", "action": "delete_customer"},
			},
		})
	})
	mux.HandleFunc("/api/v1/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req backend.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tb.mu.Lock()
		tb.invokes = append(tb.invokes, req)
		code, body := tb.invokeCode, tb.invokeBody
		tb.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			io.WriteString(w, body)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result":       map[string]bool{"ok": true},
			"execution_id": "exec_1700000000_deadbeef",
		})
	})
	mux.HandleFunc("/api/v1/workspaces/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/lens") {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":    "concise",
			"profile": map[string]string{"tone": "terse"},
		})
	})

	tb.srv = httptest.NewServer(mux)
	t.Cleanup(tb.srv.Close)
	return tb
}

func (tb *testBackend) invokeCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.invokes)
}

func (tb *testBackend) lastInvoke() backend.InvokeRequest {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.invokes[len(tb.invokes)-1]
}

func (tb *testBackend) failInvoke(code int, body string) {
	tb.mu.Lock()
	tb.invokeCode = code
	tb.invokeBody = body
	tb.mu.Unlock()
}

func newTestGateway(t *testing.T, tb *testBackend) *Gateway {
	t.Helper()

	client, err := backend.NewClient(model.BackendConfig{BaseURL: tb.srv.URL})
	if err != nil {
		t.Fatalf("backend client: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	resolver := identity.NewResolver("tg", true)
	pol := policy.New()
	cat := catalog.New(client, resolver, pol, logger)
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("catalog refresh: %v", err)
	}

	return NewGateway(
		resolver,
		pol,
		confirm.NewService(store.NewMemoryTokenStore(), time.Minute),
		workspace.NewResolver(client),
		cat,
		client,
		nil,
		nil,
		logger,
		LogLevelError,
	)
}

func TestInvokePrimitive(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	env, err := g.Invoke(context.Background(), InvokeRequest{
		ToolName:     "tg_tool_crm_get_customer",
		WorkspaceKey: "acme",
		Payload:      json.RawMessage(`{"id":42}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusOK {
		t.Fatalf("status: got %s, want %s (error: %+v)", env.Status, InvokeStatusOK, env.Error)
	}
	if env.WorkspaceID != "ws-acme" {
		t.Errorf("workspace: got %s, want ws-acme", env.WorkspaceID)
	}
	if env.ExecutionID != "exec_1700000000_deadbeef" {
		t.Errorf("execution_id: got %s", env.ExecutionID)
	}

	// Only the canonical identity crosses the boundary, never the external name
	sent := tb.lastInvoke()
	if sent.Capability != "crm.get_customer" {
		t.Errorf("capability: got %s, want crm.get_customer", sent.Capability)
	}
	if sent.WorkspaceID != "ws-acme" {
		t.Errorf("sent workspace: got %s", sent.WorkspaceID)
	}
}

func TestInvokeMalformedName(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	for _, name := range []string{"", "crm_get", "tg_bogus_crm_get", "other_tool_crm_get"} {
		env, err := g.Invoke(context.Background(), InvokeRequest{ToolName: name, WorkspaceKey: "acme"})
		if err != nil {
			t.Fatalf("Invoke(%q): %v", name, err)
		}
		if env.Status != InvokeStatusError || env.Error.Code != ErrCodeInvalidName {
			t.Errorf("Invoke(%q): got status=%s error=%+v, want %s", name, env.Status, env.Error, ErrCodeInvalidName)
		}
	}
	if tb.invokeCount() != 0 {
		t.Errorf("backend invoked %d times for malformed names", tb.invokeCount())
	}
}

func TestInvokeUnknownPack(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	env, err := g.Invoke(context.Background(), InvokeRequest{
		ToolName:     "tg_tool_billing_get_invoice",
		WorkspaceKey: "acme",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusError || env.Error.Code != ErrCodeUnknownPack {
		t.Fatalf("got status=%s error=%+v, want %s", env.Status, env.Error, ErrCodeUnknownPack)
	}
}

func TestInvokeInternalDenied(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	env, err := g.Invoke(context.Background(), InvokeRequest{
		ToolName:     "tg_tool_crm_debug_dump",
		WorkspaceKey: "acme",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusError || env.Error.Code != ErrCodeDenied {
		t.Fatalf("got status=%s error=%+v, want %s", env.Status, env.Error, ErrCodeDenied)
	}
	if tb.invokeCount() != 0 {
		t.Errorf("internal tool reached the backend")
	}
}

// TestConfirmationFlow walks the whole governed path: a destructive invocation
// is held with instructions, a token is issued against a preview, the retry
// with the token goes through, and the spent token is rejected on replay.
func TestConfirmationFlow(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)
	ctx := context.Background()

	const tool = "tg_run_crm_delete_customer"

	// 1. No token: held, with the exact next action spelled out.
	env, err := g.Invoke(ctx, InvokeRequest{ToolName: tool, WorkspaceKey: "acme"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusConfirmationRequired {
		t.Fatalf("status: got %s, want %s", env.Status, InvokeStatusConfirmationRequired)
	}
	if env.Confirmation == nil {
		t.Fatal("confirmation block missing")
	}
	if !env.Confirmation.RequiresPreview {
		t.Error("delete should require a preview")
	}
	if env.Confirmation.NextAction.Command != "confirm_request" {
		t.Errorf("next_action: got %s", env.Confirmation.NextAction.Command)
	}
	if got := env.Confirmation.NextAction.Params["tool_name"]; got != tool {
		t.Errorf("next_action tool_name: got %s", got)
	}
	if tb.invokeCount() != 0 {
		t.Fatal("held invocation reached the backend")
	}

	// 2. Preview is mandatory for this tier.
	if _, err := g.RequestConfirmation(ctx, tool, "acme", ""); err == nil {
		t.Fatal("expected error issuing without preview")
	}

	grant, err := g.RequestConfirmation(ctx, tool, "acme", "delete customer 42 and all their orders")
	if err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if grant.Token == "" || grant.WorkspaceID != "ws-acme" {
		t.Fatalf("bad grant: %+v", grant)
	}

	// 3. Retry with the token: released to the backend.
	env, err = g.Invoke(ctx, InvokeRequest{ToolName: tool, WorkspaceKey: "acme", ConfirmToken: grant.Token})
	if err != nil {
		t.Fatalf("Invoke with token: %v", err)
	}
	if env.Status != InvokeStatusOK {
		t.Fatalf("status: got %s (error: %+v), want ok", env.Status, env.Error)
	}
	if tb.invokeCount() != 1 {
		t.Fatalf("backend invokes: got %d, want 1", tb.invokeCount())
	}

	// 4. The token is single-use.
	env, err = g.Invoke(ctx, InvokeRequest{ToolName: tool, WorkspaceKey: "acme", ConfirmToken: grant.Token})
	if err != nil {
		t.Fatalf("Invoke replay: %v", err)
	}
	if env.Status != InvokeStatusConfirmationRequired {
		t.Fatalf("replay status: got %s, want %s", env.Status, InvokeStatusConfirmationRequired)
	}
	if !strings.Contains(env.Confirmation.Reason, confirm.ReasonNotFound) {
		t.Errorf("replay reason: got %q", env.Confirmation.Reason)
	}
}

func TestConfirmationWrongWorkspaceDoesNotConsume(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)
	ctx := context.Background()

	const tool = "tg_run_crm_update_customer"

	grant, err := g.RequestConfirmation(ctx, tool, "acme", "")
	if err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}

	// Redeeming against the wrong workspace is rejected but leaves the token
	// redeemable by its rightful holder.
	env, err := g.Invoke(ctx, InvokeRequest{ToolName: tool, WorkspaceKey: "globex", ConfirmToken: grant.Token})
	if err != nil {
		t.Fatalf("Invoke wrong workspace: %v", err)
	}
	if env.Status != InvokeStatusConfirmationRequired {
		t.Fatalf("status: got %s, want confirmation_required", env.Status)
	}
	if !strings.Contains(env.Confirmation.Reason, confirm.ReasonWorkspace) {
		t.Errorf("reason: got %q", env.Confirmation.Reason)
	}

	env, err = g.Invoke(ctx, InvokeRequest{ToolName: tool, WorkspaceKey: "acme", ConfirmToken: grant.Token})
	if err != nil {
		t.Fatalf("Invoke rightful workspace: %v", err)
	}
	if env.Status != InvokeStatusOK {
		t.Fatalf("status: got %s (error: %+v), want ok", env.Status, env.Error)
	}
}

func TestRequestConfirmationRejectsPrimitive(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	if _, err := g.RequestConfirmation(context.Background(), "tg_tool_crm_get_customer", "acme", ""); err == nil {
		t.Fatal("expected error: primitives never need confirmation tokens")
	}
}

func TestInvokeRateLimited(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	err := g.policy.Prepend(policy.Rule{
		Name:    "throttle-get-customer",
		Pattern: `^tg_tool_crm_get_customer$`,
		Tier:    policy.TierPrimitive,
		Reason:  "read-only, throttled",
		Constraints: policy.Constraints{
			MaxCallsPerMinute: 2,
		},
	})
	if err != nil {
		t.Fatalf("Prepend: %v", err)
	}

	ctx := context.Background()
	req := InvokeRequest{ToolName: "tg_tool_crm_get_customer", WorkspaceKey: "acme"}
	for i := 0; i < 2; i++ {
		env, err := g.Invoke(ctx, req)
		if err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
		if env.Status != InvokeStatusOK {
			t.Fatalf("Invoke %d: status %s (error: %+v)", i, env.Status, env.Error)
		}
	}

	env, err := g.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke over limit: %v", err)
	}
	if env.Status != InvokeStatusError || env.Error.Code != ErrCodeRateLimited {
		t.Fatalf("got status=%s error=%+v, want %s", env.Status, env.Error, ErrCodeRateLimited)
	}
	if tb.invokeCount() != 2 {
		t.Errorf("backend invokes: got %d, want 2", tb.invokeCount())
	}
}

func TestInvokeReceipts(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)
	ctx := context.Background()

	goodDigest := strings.Repeat("ab", 32)
	req := InvokeRequest{
		ToolName:     "tg_tool_crm_get_customer",
		WorkspaceKey: "acme",
		Receipts:     []backend.Receipt{{Step: "dedupe_check", Digest: "nothex"}},
	}

	env, err := g.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusError || env.Error.Code != ErrCodeBadReceipt {
		t.Fatalf("got status=%s error=%+v, want %s", env.Status, env.Error, ErrCodeBadReceipt)
	}
	if tb.invokeCount() != 0 {
		t.Fatal("invalid receipt reached the backend")
	}

	req.Receipts = []backend.Receipt{{Step: "dedupe_check", Digest: goodDigest}}
	env, err = g.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusOK {
		t.Fatalf("status: got %s (error: %+v)", env.Status, env.Error)
	}

	// Receipts pass through untouched; the gateway never interprets them.
	sent := tb.lastInvoke()
	if len(sent.Receipts) != 1 || sent.Receipts[0].Digest != goodDigest {
		t.Errorf("forwarded receipts: %+v", sent.Receipts)
	}
}

func TestInvokeBackendError(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)
	tb.failInvoke(http.StatusUnprocessableEntity, `{"error":{"code":"VALIDATION","message":"bad payload"}}`)

	env, err := g.Invoke(context.Background(), InvokeRequest{
		ToolName:     "tg_tool_crm_get_customer",
		WorkspaceKey: "acme",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusError || env.Error.Code != ErrCodeBackend {
		t.Fatalf("got status=%s error=%+v, want %s", env.Status, env.Error, ErrCodeBackend)
	}
	if !strings.Contains(env.Error.Message, "VALIDATION") {
		t.Errorf("message should carry the backend code: %q", env.Error.Message)
	}
}

func TestInvokeBackendUnreachable(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)
	tb.srv.Close()

	env, err := g.Invoke(context.Background(), InvokeRequest{
		ToolName:     "tg_tool_crm_get_customer",
		WorkspaceKey: "acme",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.Status != InvokeStatusError {
		t.Fatalf("status: got %s, want error", env.Status)
	}
	// The first thing to fail is workspace resolution, which surfaces as a
	// provisioning failure; a dead backend mid-flight would be UNREACHABLE.
	if env.Error.Code != ErrCodeProvisioning {
		t.Fatalf("code: got %s, want %s", env.Error.Code, ErrCodeProvisioning)
	}
}

func TestResolveLens(t *testing.T) {
	tb := newTestBackend(t)
	g := newTestGateway(t, tb)

	lens, err := g.ResolveLens(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ResolveLens: %v", err)
	}
	if lens.Name != "concise" {
		t.Errorf("lens name: got %s", lens.Name)
	}
}
