package identity

import (
	"errors"
	"testing"
)

func TestResolve_Normalization(t *testing.T) {
	r := NewResolver("tg", false)

	cases := []struct {
		rawPack, rawAction string
		wantPack, wantAction string
	}{
		{"Data_Ops", "Fetch-Record", "data-ops", "fetch_record"},
		{"crm", "get customer", "crm", "get_customer"},
		{"  Billing.Core ", "create.invoice", "billing-core", "create_invoice"},
		{"docs", "publish", "docs", "publish"},
		{"a__b", "x--y", "a-b", "x_y"},
	}

	for _, tc := range cases {
		id, err := r.Resolve(tc.rawPack, tc.rawAction)
		if err != nil {
			t.Fatalf("resolve(%q, %q): %v", tc.rawPack, tc.rawAction, err)
		}
		if id.Pack != tc.wantPack {
			t.Errorf("pack: got %q, want %q", id.Pack, tc.wantPack)
		}
		if id.Action != tc.wantAction {
			t.Errorf("action: got %q, want %q", id.Action, tc.wantAction)
		}
		if id.Canonical != tc.wantPack+"."+tc.wantAction {
			t.Errorf("canonical: got %q", id.Canonical)
		}
	}
}

func TestResolve_EmptyAfterNormalization(t *testing.T) {
	r := NewResolver("tg", false)
	if _, err := r.Resolve("___", "fetch"); err == nil {
		t.Error("expected error for pack that normalizes to empty")
	}
	if _, err := r.Resolve("crm", "---"); err == nil {
		t.Error("expected error for action that normalizes to empty")
	}
}

func TestResolve_StrictPackValidation(t *testing.T) {
	r := NewResolver("tg", true)
	r.SetKnownPacks([]string{"crm", "billing"})

	if _, err := r.Resolve("crm", "get_customer"); err != nil {
		t.Errorf("known pack should resolve: %v", err)
	}

	_, err := r.Resolve("warehouse", "list_bins")
	var upErr *UnknownPackError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UnknownPackError, got %v", err)
	}
	if upErr.Pack != "warehouse" {
		t.Errorf("error pack: got %q", upErr.Pack)
	}
}

func TestResolve_StrictDegradesWhenPackSetEmpty(t *testing.T) {
	r := NewResolver("tg", true)
	// No pack set fetched yet: resolution must still produce a syntactically
	// valid identity.
	id, err := r.Resolve("warehouse", "list_bins")
	if err != nil {
		t.Fatalf("resolve with empty pack set: %v", err)
	}
	if id.Canonical != "warehouse.list_bins" {
		t.Errorf("canonical: got %q", id.Canonical)
	}
}

func TestExternalName_RoundTrip(t *testing.T) {
	r := NewResolver("tg", false)

	identities := []struct{ pack, action string }{
		{"crm", "get_customer"},
		{"data-ops", "fetch_record"},
		{"billing-core", "create_invoice_draft"},
		{"docs", "publish"},
		{"a1", "b2"},
	}
	tags := []string{TagTool, TagRun, TagPlaybook}

	for _, in := range identities {
		id, err := r.Resolve(in.pack, in.action)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		for _, tag := range tags {
			name := r.ExternalName(id, tag)
			got, gotTag, ok := r.ParseExternalName(name)
			if !ok {
				t.Fatalf("parse(%q) failed", name)
			}
			if got != id {
				t.Errorf("round trip: got %+v, want %+v", got, id)
			}
			if gotTag != tag {
				t.Errorf("tag: got %q, want %q", gotTag, tag)
			}
		}
	}
}

func TestParseExternalName_Malformed(t *testing.T) {
	r := NewResolver("tg", false)

	malformed := []string{
		"",
		"tg",
		"tg_tool",
		"tg_tool_crm",                // missing action
		"other_tool_crm_get",         // wrong namespace
		"tg_widget_crm_get",          // unknown tag
		"tg_tool__get",               // empty pack
		"tg_tool_crm_",               // empty action
		"tg_tool_CRM_get",            // uppercase pack
		"tg_tool_crm_Get",            // uppercase action
		"tg_tool_-crm_get",           // pack edge dash
		"tg tool crm get",            // no underscores at all
		"tg_tool_crm.ops_get",        // dot in pack token
	}

	for _, name := range malformed {
		if _, _, ok := r.ParseExternalName(name); ok {
			t.Errorf("parse(%q) should fail", name)
		}
	}
}

func TestNamespaceNormalized(t *testing.T) {
	r := NewResolver("My_Gateway", false)
	if r.Namespace() != "my-gateway" {
		t.Errorf("namespace: got %q", r.Namespace())
	}

	id, _ := r.Resolve("crm", "get")
	name := r.ExternalName(id, TagTool)
	if name != "my-gateway_tool_crm_get" {
		t.Errorf("name: got %q", name)
	}
	if _, _, ok := r.ParseExternalName(name); !ok {
		t.Error("normalized namespace should round trip")
	}
}
