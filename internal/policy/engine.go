package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/logutil"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

var validate = validator.New()

// CheckContext describes where a command is about to run.
type CheckContext struct {
	EndpointID   uint
	SessionToken string
	Actor        sshaudit.Actor
	// Sensitive commands are masked before they reach the audit trail.
	Sensitive bool
}

// CustomPredicate backs a custom rule. The rule's content names the predicate.
type CustomPredicate func(command string, cc CheckContext) bool

type Violation struct {
	RuleID         uint     `json:"rule_id"`
	RuleName       string   `json:"rule_name"`
	RuleType       RuleType `json:"rule_type"`
	Severity       string   `json:"severity"`
	Action         string   `json:"action"`
	Description    string   `json:"description,omitempty"`
	MatchedContent string   `json:"matched_content"`
}

type Verdict struct {
	Command         string      `json:"command"`
	Allowed         bool        `json:"allowed"`
	RiskLevel       string      `json:"risk_level"`
	Violations      []Violation `json:"violations"`
	Recommendations []string    `json:"recommendations"`
	ExecutionID     string      `json:"execution_id"`
}

type compiledRule struct {
	Rule
	m matcher
}

func (cr *compiledRule) violation() Violation {
	return Violation{
		RuleID:         cr.ID,
		RuleName:       cr.Name,
		RuleType:       cr.Type,
		Severity:       cr.Severity,
		Action:         cr.Action,
		Description:    cr.Description,
		MatchedContent: cr.Content,
	}
}

// snapshot is immutable once published.
type snapshot struct {
	rules        []*compiledRule // enabled only, severity desc then id asc
	total        int
	inconsistent []string
	builtAt      time.Time
}

// Engine evaluates commands against the rule set and owns rule CRUD.
// Readers load the current snapshot without locking; every mutation
// rebuilds it under mu and swaps it in.
type Engine struct {
	db     *gorm.DB
	sink   sshaudit.Sink
	logger *zap.Logger
	nowFn  func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	predMu     sync.RWMutex
	predicates map[string]CustomPredicate
}

// New seeds the built-in rules and loads the first snapshot.
func New(ctx context.Context, db *gorm.DB, sink sshaudit.Sink, logger *zap.Logger) (*Engine, error) {
	if sink == nil {
		sink = sshaudit.Nop{}
	}
	e := &Engine{
		db:         db,
		sink:       sink,
		logger:     logger.Named("policy"),
		nowFn:      time.Now,
		predicates: make(map[string]CustomPredicate),
	}
	for key, fn := range defaultPredicates {
		e.predicates[key] = fn
	}
	if err := e.seedBuiltins(ctx); err != nil {
		return nil, err
	}
	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterPredicate makes fn available to custom rules whose content is key.
func (e *Engine) RegisterPredicate(key string, fn CustomPredicate) {
	e.predMu.Lock()
	defer e.predMu.Unlock()
	e.predicates[key] = fn
}

func (e *Engine) predicate(key string) CustomPredicate {
	e.predMu.RLock()
	defer e.predMu.RUnlock()
	return e.predicates[key]
}

// reload rebuilds the snapshot from the database.
func (e *Engine) reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadLocked(ctx)
}

func (e *Engine) reloadLocked(ctx context.Context) error {
	var models []database.SecurityRule
	if err := e.db.WithContext(ctx).Find(&models).Error; err != nil {
		return fmt.Errorf("load security rules: %w", err)
	}

	snap := &snapshot{total: len(models), builtAt: e.nowFn()}
	for i := range models {
		r := ruleFromModel(&models[i])
		if !r.Enabled {
			continue
		}
		m, err := compileMatcher(r.Type, r.Content)
		if err != nil {
			// Validated on write, so this only happens with hand-edited rows.
			e.logger.Warn("skipping uncompilable rule", zap.Uint("rule_id", r.ID), zap.String("name", r.Name), zap.Error(err))
			continue
		}
		if r.Severity == SeverityCritical && r.Action != ActionBlock {
			snap.inconsistent = append(snap.inconsistent, r.Name)
			e.logger.Warn("critical rule does not block",
				zap.Uint("rule_id", r.ID), zap.String("name", r.Name), zap.String("action", r.Action))
		}
		snap.rules = append(snap.rules, &compiledRule{Rule: r, m: m})
	}
	sort.SliceStable(snap.rules, func(i, j int) bool {
		a, b := snap.rules[i], snap.rules[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] > severityRank[b.Severity]
		}
		return a.ID < b.ID
	})
	sort.Strings(snap.inconsistent)

	e.snap.Store(snap)
	e.logger.Debug("rule snapshot rebuilt", zap.Int("enabled", len(snap.rules)), zap.Int("total", snap.total))
	return nil
}

// Evaluate runs command against the current snapshot without writing audit.
func (e *Engine) Evaluate(command string, cc CheckContext) *Verdict {
	snap := e.snap.Load()
	v := &Verdict{
		Command:     command,
		Allowed:     true,
		RiskLevel:   SeverityLow,
		Violations:  []Violation{},
		ExecutionID: uuid.NewString(),
	}
	for _, cr := range snap.rules {
		if !cr.m.match(command, cc, e.predicate) {
			continue
		}
		v.Violations = append(v.Violations, cr.violation())
		if cr.Action == ActionBlock {
			v.Allowed = false
		}
		v.RiskLevel = higher(v.RiskLevel, cr.Severity)
	}
	v.Recommendations = recommend(command, v)
	return v
}

// AuditCommand evaluates command and records the verdict. A verdict is
// returned even when the audit write fails; callers that must not run
// unaudited commands check the error.
func (e *Engine) AuditCommand(ctx context.Context, command string, cc CheckContext) (*Verdict, error) {
	v := e.Evaluate(command, cc)

	status, result := sshaudit.StatusSuccess, "allowed"
	if !v.Allowed {
		status, result = sshaudit.StatusBlocked, "blocked"
	}
	_, err := e.sink.Log(ctx, sshaudit.Event{
		Actor:        cc.Actor,
		EndpointID:   cc.EndpointID,
		SessionToken: cc.SessionToken,
		Category:     sshaudit.CategorySecurity,
		Action:       sshaudit.ActionCommandAudit,
		Command:      logutil.MaskCommand(command, cc.Sensitive),
		Result:       result,
		Status:       status,
		RiskLevel:    v.RiskLevel,
		Metadata: map[string]any{
			"execution_id":    v.ExecutionID,
			"violations":      v.Violations,
			"recommendations": v.Recommendations,
		},
	})
	if !v.Allowed {
		e.logger.Warn("command blocked",
			zap.String("command", logutil.Truncate(logutil.SanitizeForLog(logutil.MaskCommand(command, cc.Sensitive)), 200)),
			zap.String("risk", v.RiskLevel),
			zap.Int("violations", len(v.Violations)),
			zap.Uint("endpoint", cc.EndpointID))
	}
	if err != nil {
		return v, fmt.Errorf("record command audit: %w", err)
	}
	return v, nil
}

func recommend(command string, v *Verdict) []string {
	out := []string{}
	if len(v.Violations) == 0 {
		return out
	}
	add := func(s string) {
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	var pattern, blacklist bool
	for _, vi := range v.Violations {
		switch vi.RuleType {
		case TypePattern:
			pattern = true
		case TypeBlacklist:
			blacklist = true
		}
	}
	if severityRank[v.RiskLevel] >= severityRank[SeverityHigh] {
		add("High-risk command detected; confirm it is safe before running it")
		add("Consider a safer alternative command")
	}
	if pattern {
		add("Command matches a dangerous pattern; confirm this is intended")
	}
	if blacklist {
		add("Command contains a forbidden keyword; review its content")
	}
	padded := " " + command + " "
	if strings.Contains(padded, " rm ") {
		add("Deletion cannot be undone; back up important files first")
	}
	if strings.Contains(padded, " sudo ") {
		add("Privileged operations carry higher risk; make sure elevation is necessary")
	}
	if strings.ContainsAny(command, "|;") {
		add("Compound commands can have unexpected effects; consider running the steps separately")
	}
	return out
}

// SetNowFunc sets the clock function used for testing.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	e.nowFn = fn
}
