package policy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

// RuleInput creates a rule. Severity defaults to medium, action to warn and
// Enabled to true.
type RuleInput struct {
	Name        string   `json:"name"`
	Type        RuleType `json:"type"`
	Content     string   `json:"content"`
	Severity    string   `json:"severity,omitempty"`
	Action      string   `json:"action,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description string   `json:"description,omitempty"`
}

// RulePatch updates the fields that are set. The type of a rule is fixed.
type RulePatch struct {
	Name        *string `json:"name,omitempty"`
	Content     *string `json:"content,omitempty"`
	Severity    *string `json:"severity,omitempty"`
	Action      *string `json:"action,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (p RulePatch) empty() bool {
	return p.Name == nil && p.Content == nil && p.Severity == nil &&
		p.Action == nil && p.Enabled == nil && p.Description == nil
}

type RuleFilter struct {
	Type     RuleType
	Severity string
	Enabled  *bool
}

func checkRule(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid rule")
	}
	if _, err := compileMatcher(r.Type, r.Content); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid rule content")
	}
	return nil
}

func (e *Engine) load(ctx context.Context, id uint) (*database.SecurityRule, error) {
	var m database.SecurityRule
	if err := e.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Errorf(apperr.KindNotFound, "rule %d not found", id)
		}
		return nil, fmt.Errorf("load rule %d: %w", id, err)
	}
	return &m, nil
}

func (e *Engine) nameTaken(ctx context.Context, name string, exceptID uint) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&database.SecurityRule{}).
		Where("name = ? AND id <> ?", name, exceptID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check rule name: %w", err)
	}
	return count > 0, nil
}

func (e *Engine) auditChange(ctx context.Context, op string, r Rule) {
	_, err := e.sink.Log(ctx, sshaudit.Event{
		Actor:    sshaudit.ActorFrom(ctx),
		Category: sshaudit.CategorySecurity,
		Action:   sshaudit.ActionRuleChange,
		Resource: fmt.Sprintf("rule/%d", r.ID),
		Result:   op,
		Status:   sshaudit.StatusSuccess,
		Metadata: map[string]any{"name": r.Name, "type": r.Type, "severity": r.Severity, "action": r.Action, "enabled": r.Enabled},
	})
	if err != nil {
		e.logger.Error("failed to audit rule change", zap.String("op", op), zap.Uint("rule_id", r.ID), zap.Error(err))
	}
}

// CreateRule validates, persists and activates a new rule.
func (e *Engine) CreateRule(ctx context.Context, in RuleInput) (*Rule, error) {
	r := Rule{
		Name:        in.Name,
		Type:        in.Type,
		Content:     in.Content,
		Severity:    in.Severity,
		Action:      in.Action,
		Enabled:     true,
		Description: in.Description,
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if r.Action == "" {
		r.Action = ActionWarn
	}
	if in.Enabled != nil {
		r.Enabled = *in.Enabled
	}
	if err := checkRule(&r); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	taken, err := e.nameTaken(ctx, r.Name, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.Errorf(apperr.KindIntegrity, "rule %q already exists", r.Name)
	}

	m := database.SecurityRule{
		Name:        r.Name,
		Type:        string(r.Type),
		Content:     r.Content,
		Severity:    r.Severity,
		Action:      r.Action,
		Enabled:     r.Enabled,
		Description: r.Description,
	}
	if err := e.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	if err := e.reloadLocked(ctx); err != nil {
		return nil, err
	}

	out := ruleFromModel(&m)
	e.auditChange(ctx, "create", out)
	return &out, nil
}

// UpdateRule applies patch to the rule with the given id.
func (e *Engine) UpdateRule(ctx context.Context, id uint, patch RulePatch) (*Rule, error) {
	if patch.empty() {
		return nil, apperr.New(apperr.KindValidation, "no fields to update")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Severity != nil {
		m.Severity = *patch.Severity
	}
	if patch.Action != nil {
		m.Action = *patch.Action
	}
	if patch.Enabled != nil {
		m.Enabled = *patch.Enabled
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}

	r := ruleFromModel(m)
	if err := checkRule(&r); err != nil {
		return nil, err
	}
	if patch.Name != nil {
		taken, err := e.nameTaken(ctx, r.Name, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperr.Errorf(apperr.KindIntegrity, "rule %q already exists", r.Name)
		}
	}

	if err := e.db.WithContext(ctx).Save(m).Error; err != nil {
		return nil, fmt.Errorf("update rule %d: %w", id, err)
	}
	if err := e.reloadLocked(ctx); err != nil {
		return nil, err
	}

	out := ruleFromModel(m)
	e.auditChange(ctx, "update", out)
	return &out, nil
}

// ToggleRule flips the enabled flag.
func (e *Engine) ToggleRule(ctx context.Context, id uint) (*Rule, error) {
	e.mu.Lock()
	m, err := e.load(ctx, id)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	enabled := !m.Enabled
	return e.UpdateRule(ctx, id, RulePatch{Enabled: &enabled})
}

// DeleteRule removes a rule. Built-in rules can be deleted like any other.
func (e *Engine) DeleteRule(ctx context.Context, id uint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if err := e.db.WithContext(ctx).Delete(&database.SecurityRule{}, id).Error; err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if err := e.reloadLocked(ctx); err != nil {
		return err
	}
	e.auditChange(ctx, "delete", ruleFromModel(m))
	return nil
}

func (e *Engine) GetRule(ctx context.Context, id uint) (*Rule, error) {
	m, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r := ruleFromModel(m)
	return &r, nil
}

// ListRules returns rules ordered by severity (critical first), then id.
func (e *Engine) ListRules(ctx context.Context, f RuleFilter) ([]Rule, error) {
	tx := e.db.WithContext(ctx).Model(&database.SecurityRule{})
	if f.Type != "" {
		tx = tx.Where("type = ?", string(f.Type))
	}
	if f.Severity != "" {
		tx = tx.Where("severity = ?", f.Severity)
	}
	if f.Enabled != nil {
		tx = tx.Where("enabled = ?", *f.Enabled)
	}
	var models []database.SecurityRule
	err := tx.Order("CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]Rule, 0, len(models))
	for i := range models {
		rules = append(rules, ruleFromModel(&models[i]))
	}
	return rules, nil
}

type SampleResult struct {
	Command   string     `json:"command"`
	Matched   bool       `json:"matched"`
	Violation *Violation `json:"violation,omitempty"`
}

type TestResult struct {
	RuleID       uint           `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	Results      []SampleResult `json:"results"`
	MatchedCount int            `json:"matched_count"`
	TotalCount   int            `json:"total_count"`
}

// TestRule runs samples against a single rule, enabled or not. Nothing is
// audited.
func (e *Engine) TestRule(ctx context.Context, id uint, samples []string) (*TestResult, error) {
	m, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r := ruleFromModel(m)
	mt, err := compileMatcher(r.Type, r.Content)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "rule does not compile")
	}
	cr := &compiledRule{Rule: r, m: mt}

	res := &TestResult{RuleID: r.ID, RuleName: r.Name, Results: make([]SampleResult, 0, len(samples)), TotalCount: len(samples)}
	for _, s := range samples {
		sr := SampleResult{Command: s}
		if cr.m.match(s, CheckContext{}, e.predicate) {
			v := cr.violation()
			sr.Matched = true
			sr.Violation = &v
			res.MatchedCount++
		}
		res.Results = append(res.Results, sr)
	}
	return res, nil
}
