package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/msageha/toolgate/internal/store"
)

func newTestService(ttl time.Duration) *Service {
	return NewService(store.NewMemoryTokenStore(), ttl)
}

func TestIssueAndRedeem(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "ws_1", "tg_run_crm_update_customer", "update 1 record")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if tok.Token == "" {
		t.Fatal("expected a non-empty token value")
	}
	if !tok.ExpiresAt.After(tok.CreatedAt) {
		t.Errorf("expiry %v not after creation %v", tok.ExpiresAt, tok.CreatedAt)
	}

	res, err := svc.Redeem(ctx, tok.Token, "ws_1", "tg_run_crm_update_customer")
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid redemption, got reason %q", res.Reason)
	}
}

func TestRedeemIsOneShot(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "ws_1", "tg_tool_crm_get_customer", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	first, err := svc.Redeem(ctx, tok.Token, "ws_1", "tg_tool_crm_get_customer")
	if err != nil || !first.Valid {
		t.Fatalf("first redeem: valid=%v err=%v", first.Valid, err)
	}

	second, err := svc.Redeem(ctx, tok.Token, "ws_1", "tg_tool_crm_get_customer")
	if err != nil {
		t.Fatalf("second redeem errored: %v", err)
	}
	if second.Valid {
		t.Fatal("second redemption must not succeed")
	}
	if second.Reason != ReasonNotFound {
		t.Errorf("second redemption reason = %q, want %q", second.Reason, ReasonNotFound)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	svc := newTestService(time.Minute)

	res, err := svc.Redeem(context.Background(), "never-issued", "ws_1", "tg_tool_crm_get_customer")
	if err != nil {
		t.Fatalf("Redeem errored: %v", err)
	}
	if res.Valid || res.Reason != ReasonNotFound {
		t.Errorf("got valid=%v reason=%q, want invalid %q", res.Valid, res.Reason, ReasonNotFound)
	}
}

func TestRedeemExpiredConsumesToken(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "ws_1", "tg_run_crm_update_customer", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	res, err := svc.Redeem(ctx, tok.Token, "ws_1", "tg_run_crm_update_customer")
	if err != nil {
		t.Fatalf("Redeem errored: %v", err)
	}
	if res.Valid || res.Reason != ReasonExpired {
		t.Errorf("got valid=%v reason=%q, want invalid %q", res.Valid, res.Reason, ReasonExpired)
	}

	// Expiry transitions the token to absent; a retry sees "not found".
	res, err = svc.Redeem(ctx, tok.Token, "ws_1", "tg_run_crm_update_customer")
	if err != nil {
		t.Fatalf("retry errored: %v", err)
	}
	if res.Reason != ReasonNotFound {
		t.Errorf("retry reason = %q, want %q", res.Reason, ReasonNotFound)
	}
}

func TestRedeemBindingMismatches(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "ws_1", "tg_run_crm_update_customer", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	res, err := svc.Redeem(ctx, tok.Token, "ws_2", "tg_run_crm_update_customer")
	if err != nil {
		t.Fatalf("Redeem errored: %v", err)
	}
	if res.Valid || res.Reason != ReasonWorkspace {
		t.Errorf("got valid=%v reason=%q, want invalid %q", res.Valid, res.Reason, ReasonWorkspace)
	}

	res, err = svc.Redeem(ctx, tok.Token, "ws_1", "tg_run_crm_delete_customer")
	if err != nil {
		t.Fatalf("Redeem errored: %v", err)
	}
	if res.Valid || res.Reason != ReasonDifferentTool {
		t.Errorf("got valid=%v reason=%q, want invalid %q", res.Valid, res.Reason, ReasonDifferentTool)
	}

	// Mismatched attempts do not consume the token.
	res, err = svc.Redeem(ctx, tok.Token, "ws_1", "tg_run_crm_update_customer")
	if err != nil {
		t.Fatalf("final redeem errored: %v", err)
	}
	if !res.Valid {
		t.Errorf("token should survive mismatched attempts, got reason %q", res.Reason)
	}
}

func TestIssueValidation(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "", "tg_tool_crm_get_customer", ""); err == nil {
		t.Error("expected error for empty workspace ID")
	}
	if _, err := svc.Issue(ctx, "ws_1", "", ""); err == nil {
		t.Error("expected error for empty tool name")
	}
}

func TestSweepExpired(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "ws_1", "tg_tool_crm_get_customer", ""); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	tok, err := svc.Issue(ctx, "ws_1", "tg_tool_crm_list_customers", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d tokens, want 2", n)
	}

	res, err := svc.Redeem(ctx, tok.Token, "ws_1", "tg_tool_crm_list_customers")
	if err != nil {
		t.Fatalf("Redeem errored: %v", err)
	}
	if res.Reason != ReasonNotFound {
		t.Errorf("reason after sweep = %q, want %q", res.Reason, ReasonNotFound)
	}
}
