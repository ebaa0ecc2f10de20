package features

import (
	"context"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

func TestCELGateEvaluatesInstanceExpressions(t *testing.T) {
	gate, err := NewCELGate(nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	inst := domain.Instance{ID: 4, Name: "vilnius", Features: map[string]string{
		"collection_udfs": "true",
		"bulk_moderation": `instance_name.startsWith("kaunas")`,
		"beta":            "instance_id < 10 && feature == 'beta'",
		"broken":          "instance_id +",
		"not_bool":        `"yes"`,
	}}

	cases := map[string]bool{
		"collection_udfs": true,
		"bulk_moderation": false,
		"beta":            true,
		"broken":          false,
		"not_bool":        false,
		"missing":         false,
	}
	for feature, want := range cases {
		if got := gate.Enabled(context.Background(), inst, feature); got != want {
			t.Fatalf("%s: got %v want %v", feature, got, want)
		}
	}
}

func TestCELGateValidate(t *testing.T) {
	gate, err := NewCELGate(nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if err := gate.Validate("instance_id > 0"); err != nil {
		t.Fatalf("expected valid expression, got %v", err)
	}
	if err := gate.Validate("instance_id"); err == nil {
		t.Fatalf("expected non-bool expression to be rejected")
	}
	if err := gate.Validate("  "); err == nil {
		t.Fatalf("expected empty expression to be rejected")
	}
}
