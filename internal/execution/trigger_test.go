package execution

import (
	"testing"
)

func TestRenderTemplateResolvesPaths(t *testing.T) {
	template := map[string]any{
		"report":   "{{report.name}}",
		"owner":    "{{user.email}}",
		"constant": "fixed",
		"count":    float64(3),
		"nested": map[string]any{
			"region": "{{report.region}}",
		},
	}
	input := map[string]any{
		"report": map[string]any{"name": "Q3 Revenue", "region": "emea"},
		"user":   map[string]any{"email": "ops@example.com"},
	}

	out := RenderTemplate(template, input)

	if out["report"] != "Q3 Revenue" {
		t.Errorf("report = %v, want Q3 Revenue", out["report"])
	}
	if out["owner"] != "ops@example.com" {
		t.Errorf("owner = %v, want ops@example.com", out["owner"])
	}
	if out["constant"] != "fixed" {
		t.Errorf("constant = %v, want fixed", out["constant"])
	}
	if out["count"] != float64(3) {
		t.Errorf("count = %v, want 3", out["count"])
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok || nested["region"] != "emea" {
		t.Errorf("nested.region = %v, want emea", out["nested"])
	}
}

func TestRenderTemplateMissingPath(t *testing.T) {
	out := RenderTemplate(map[string]any{"x": "{{does.not.exist}}"}, map[string]any{})
	if out["x"] != nil {
		t.Errorf("missing path = %v, want nil", out["x"])
	}
}

func TestConditionHolds(t *testing.T) {
	ts := NewTriggerService(nil, nil, nil, nil)

	tr := &Trigger{ID: "t1", Condition: `payload.amount > 100`}
	ok, err := ts.conditionHolds(tr, map[string]any{"amount": 250})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to hold for amount 250")
	}

	ok, err = ts.conditionHolds(tr, map[string]any{"amount": 10})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("expected condition to fail for amount 10")
	}
}

func TestConditionEmptyAlwaysFires(t *testing.T) {
	ts := NewTriggerService(nil, nil, nil, nil)

	ok, err := ts.conditionHolds(&Trigger{ID: "t2"}, nil)
	if err != nil || !ok {
		t.Fatalf("empty condition = %v/%v, want true/nil", ok, err)
	}
}

func TestConditionCompileErrorSurfaces(t *testing.T) {
	ts := NewTriggerService(nil, nil, nil, nil)

	if _, err := ts.conditionHolds(&Trigger{ID: "t3", Condition: `payload.amount >`}, map[string]any{}); err == nil {
		t.Fatal("expected compile error for malformed expression")
	}
}

func TestConditionNonBoolRejected(t *testing.T) {
	ts := NewTriggerService(nil, nil, nil, nil)

	if _, err := ts.conditionHolds(&Trigger{ID: "t4", Condition: `payload.amount + 1`}, map[string]any{"amount": 1}); err == nil {
		t.Fatal("expected error for non-boolean condition result")
	}
}
