package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

func strPtr(s string) *string { return &s }

func TestCreateRule_Defaults(t *testing.T) {
	e, sink := newTestEngine(t)
	ctx := sshaudit.WithActor(context.Background(), sshaudit.Actor{Username: "admin"})

	r, err := e.CreateRule(ctx, RuleInput{Name: "no telnet", Type: TypeBlacklist, Content: "telnet"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.ID == 0 || r.Severity != SeverityMedium || r.Action != ActionWarn || !r.Enabled || r.Builtin {
		t.Errorf("unexpected defaults: %+v", r)
	}

	changes := sink.ByAction(sshaudit.ActionRuleChange)
	if len(changes) != 1 || changes[0].Result != "create" || changes[0].Username != "admin" {
		t.Errorf("expected one attributed rule_change audit, got %+v", changes)
	}
}

func TestCreateRule_Disabled(t *testing.T) {
	e, _ := newTestEngine(t)
	off := false
	mustCreate(t, e, RuleInput{Name: "dormant", Type: TypeBlacklist, Content: "uptime", Action: ActionBlock, Enabled: &off})
	if v := e.Evaluate("uptime", CheckContext{}); !v.Allowed {
		t.Error("disabled rule must not be evaluated")
	}
}

func TestCreateRule_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   RuleInput
	}{
		{"missing name", RuleInput{Type: TypeBlacklist, Content: "x"}},
		{"missing content", RuleInput{Name: "a", Type: TypeBlacklist}},
		{"bad type", RuleInput{Name: "a", Type: "regex", Content: "x"}},
		{"bad severity", RuleInput{Name: "a", Type: TypeBlacklist, Content: "x", Severity: "extreme"}},
		{"bad action", RuleInput{Name: "a", Type: TypeBlacklist, Content: "x", Action: "deny"}},
		{"bad regex", RuleInput{Name: "a", Type: TypePattern, Content: "rm ("}},
		{"empty list", RuleInput{Name: "a", Type: TypeWhitelist, Content: " , ,"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.CreateRule(ctx, tc.in); !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateRule_DuplicateName(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, RuleInput{Name: "dup", Type: TypeBlacklist, Content: "x"})
	_, err := e.CreateRule(context.Background(), RuleInput{Name: "dup", Type: TypeBlacklist, Content: "y"})
	if !apperr.IsKind(err, apperr.KindIntegrity) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestUpdateRule(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, RuleInput{Name: "stop", Type: TypePattern, Content: "^halt", Action: ActionBlock})

	if v := e.Evaluate("halt -p", CheckContext{}); v.Allowed {
		t.Fatal("expected halt to be blocked")
	}

	updated, err := e.UpdateRule(ctx, r.ID, RulePatch{Content: strPtr("^poweroff"), Severity: strPtr(SeverityHigh)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "^poweroff" || updated.Severity != SeverityHigh || updated.Type != TypePattern {
		t.Errorf("unexpected updated rule: %+v", updated)
	}
	if v := e.Evaluate("halt -p", CheckContext{}); !v.Allowed {
		t.Error("old content still active after update")
	}
	if v := e.Evaluate("poweroff", CheckContext{}); v.Allowed || v.RiskLevel != SeverityHigh {
		t.Errorf("new content not active: %+v", v)
	}

	// A rejected patch leaves both the row and the snapshot untouched.
	if _, err := e.UpdateRule(ctx, r.ID, RulePatch{Content: strPtr("(")}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad regex, got %v", err)
	}
	got, _ := e.GetRule(ctx, r.ID)
	if got.Content != "^poweroff" {
		t.Errorf("rejected patch was persisted: %q", got.Content)
	}

	if _, err := e.UpdateRule(ctx, r.ID, RulePatch{}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for empty patch, got %v", err)
	}
	if _, err := e.UpdateRule(ctx, 9999, RulePatch{Name: strPtr("x")}); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdateRule_RenameConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, RuleInput{Name: "one", Type: TypeBlacklist, Content: "x"})
	two := mustCreate(t, e, RuleInput{Name: "two", Type: TypeBlacklist, Content: "y"})
	_, err := e.UpdateRule(context.Background(), two.ID, RulePatch{Name: strPtr("one")})
	if !apperr.IsKind(err, apperr.KindIntegrity) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestToggleRule(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, RuleInput{Name: "t", Type: TypeBlacklist, Content: "uptime", Action: ActionBlock})

	off, err := e.ToggleRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if off.Enabled {
		t.Error("expected rule disabled")
	}
	if v := e.Evaluate("uptime", CheckContext{}); !v.Allowed {
		t.Error("disabled rule still blocks")
	}

	on, _ := e.ToggleRule(ctx, r.ID)
	if !on.Enabled {
		t.Error("expected rule re-enabled")
	}
	if v := e.Evaluate("uptime", CheckContext{}); v.Allowed {
		t.Error("re-enabled rule does not block")
	}

	enabled := false
	list, _ := e.ListRules(ctx, RuleFilter{Enabled: &enabled})
	if len(list) != 0 {
		t.Errorf("expected no disabled rules, got %d", len(list))
	}
}

func TestDeleteRule(t *testing.T) {
	e, sink := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, RuleInput{Name: "gone", Type: TypeBlacklist, Content: "uptime", Action: ActionBlock})

	if err := e.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v := e.Evaluate("uptime", CheckContext{}); !v.Allowed {
		t.Error("deleted rule still blocks")
	}
	if err := e.DeleteRule(ctx, r.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
	if _, err := e.GetRule(ctx, r.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	ops := map[string]bool{}
	for _, ev := range sink.ByAction(sshaudit.ActionRuleChange) {
		ops[ev.Result] = true
	}
	if !ops["create"] || !ops["delete"] {
		t.Errorf("expected create and delete audited, got %v", ops)
	}
}

func TestListRules_Filter(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, e, RuleInput{Name: "bl", Type: TypeBlacklist, Content: "x", Severity: SeverityLow})

	bl, err := e.ListRules(ctx, RuleFilter{Type: TypeBlacklist})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bl) != 1 || bl[0].Name != "bl" {
		t.Errorf("unexpected blacklist rules: %+v", bl)
	}
	crit, _ := e.ListRules(ctx, RuleFilter{Severity: SeverityCritical})
	for _, r := range crit {
		if r.Severity != SeverityCritical {
			t.Errorf("severity filter leaked %s", r.Severity)
		}
	}
	if len(crit) != 6 {
		t.Errorf("expected 6 critical built-ins, got %d", len(crit))
	}
}

func TestTestRule(t *testing.T) {
	e, sink := newTestEngine(t)
	off := false
	r := mustCreate(t, e, RuleInput{Name: "pkg", Type: TypeWhitelist, Content: "apt, yum", Enabled: &off})
	before := len(sink.Events())

	res, err := e.TestRule(context.Background(), r.ID, []string{"apt install vim", "YUM update", "pip install x"})
	if err != nil {
		t.Fatalf("test rule: %v", err)
	}
	if res.TotalCount != 3 || res.MatchedCount != 1 {
		t.Errorf("expected 1/3 matched, got %d/%d", res.MatchedCount, res.TotalCount)
	}
	if res.Results[2].Violation == nil || res.Results[2].Violation.RuleID != r.ID {
		t.Errorf("expected violation on third sample: %+v", res.Results[2])
	}
	if res.Results[0].Matched || res.Results[1].Matched {
		t.Error("whitelisted samples should not match")
	}
	if len(sink.Events()) != before {
		t.Error("TestRule must not write audit events")
	}

	if _, err := e.TestRule(context.Background(), 9999, nil); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// --- Import / export ---

func TestExportImport_RoundTrip(t *testing.T) {
	src, _ := newTestEngine(t)
	ctx := context.Background()
	off := false
	mustCreate(t, src, RuleInput{Name: "custom one", Type: TypeBlacklist, Content: "telnet, ftp", Severity: SeverityHigh, Action: ActionBlock})
	mustCreate(t, src, RuleInput{Name: "custom two", Type: TypePattern, Content: `^shutdown\b`, Enabled: &off})

	data, err := src.ExportRules(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(data), "custom one") {
		t.Fatalf("export missing rule:\n%s", data)
	}

	dst, _ := newTestEngine(t)
	res, err := dst.ImportRules(ctx, data, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Imported != 2 || res.Skipped != len(builtinRules) || len(res.Errors) != 0 {
		t.Errorf("unexpected import result: %+v", res)
	}

	list, _ := dst.ListRules(ctx, RuleFilter{Type: TypePattern, Severity: SeverityMedium})
	var two *Rule
	for i := range list {
		if list[i].Name == "custom two" {
			two = &list[i]
		}
	}
	if two == nil || two.Enabled {
		t.Errorf("expected disabled flag preserved, got %+v", two)
	}
	if v := dst.Evaluate("telnet host", CheckContext{}); v.Allowed {
		t.Error("imported rule not active")
	}
}

func TestImportRules_Overwrite(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, e, RuleInput{Name: "net", Type: TypeBlacklist, Content: "telnet", Action: ActionWarn})

	doc := []byte(`
rules:
  - name: net
    type: blacklist
    content: telnet
    severity: high
    action: block
`)
	res, err := e.ImportRules(ctx, doc, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Skipped != 1 || res.Updated != 0 {
		t.Errorf("expected skip without overwrite, got %+v", res)
	}
	if v := e.Evaluate("telnet x", CheckContext{}); !v.Allowed {
		t.Error("skipped rule should not change behaviour")
	}

	res, err = e.ImportRules(ctx, doc, true)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected update with overwrite, got %+v", res)
	}
	if v := e.Evaluate("telnet x", CheckContext{}); v.Allowed {
		t.Error("overwritten rule should block")
	}
}

func TestImportRules_ErrorsDoNotAbort(t *testing.T) {
	e, _ := newTestEngine(t)
	doc := []byte(`
rules:
  - name: broken
    type: pattern
    content: "rm ("
  - name: fine
    type: blacklist
    content: nmap
  - name: nameless-type
    content: x
`)
	res, err := e.ImportRules(context.Background(), doc, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Imported != 1 || len(res.Errors) != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Errors[0].Name != "broken" {
		t.Errorf("unexpected first error: %+v", res.Errors[0])
	}
	r, _ := e.ListRules(context.Background(), RuleFilter{Type: TypeBlacklist})
	if len(r) != 1 || !r[0].Enabled || r[0].Severity != SeverityMedium {
		t.Errorf("expected defaults applied to imported rule, got %+v", r)
	}

	if _, err := e.ImportRules(context.Background(), []byte("rules: [unclosed"), false); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad YAML, got %v", err)
	}
}
