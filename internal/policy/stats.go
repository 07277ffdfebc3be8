package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

type RuleStats struct {
	Total      int            `json:"total"`
	Enabled    int            `json:"enabled"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
	ByAction   map[string]int `json:"by_action"`
}

type AuditStats struct {
	Total   int64            `json:"total"`
	Blocked int64            `json:"blocked"`
	ByRisk  map[string]int64 `json:"by_risk"`
}

type Stats struct {
	Rules RuleStats `json:"rules"`
	// InconsistentRules names enabled critical rules that do not block.
	InconsistentRules []string   `json:"inconsistent_rules"`
	Audits            AuditStats `json:"audits"`
	SnapshotBuiltAt   time.Time  `json:"snapshot_built_at"`
}

// Stats summarizes the rule set and the command audits recorded since the
// given time (all time when nil).
func (e *Engine) Stats(ctx context.Context, since *time.Time) (*Stats, error) {
	var models []database.SecurityRule
	if err := e.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	st := &Stats{
		Rules: RuleStats{
			Total:      len(models),
			ByType:     map[string]int{},
			BySeverity: map[string]int{},
			ByAction:   map[string]int{},
		},
		Audits: AuditStats{ByRisk: map[string]int64{}},
	}
	for _, m := range models {
		st.Rules.ByType[m.Type]++
		st.Rules.BySeverity[m.Severity]++
		st.Rules.ByAction[m.Action]++
		if m.Enabled {
			st.Rules.Enabled++
		}
	}

	snap := e.snap.Load()
	st.InconsistentRules = append([]string{}, snap.inconsistent...)
	st.SnapshotBuiltAt = snap.builtAt

	var rows []struct {
		Status    string
		RiskLevel string
		Count     int64
	}
	tx := e.db.WithContext(ctx).Model(&database.AuditLog{}).
		Select("status, risk_level, COUNT(*) AS count").
		Where("category = ? AND action = ?", sshaudit.CategorySecurity, sshaudit.ActionCommandAudit)
	if since != nil {
		tx = tx.Where("created_at >= ?", *since)
	}
	if err := tx.Group("status, risk_level").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("aggregate command audits: %w", err)
	}
	for _, r := range rows {
		st.Audits.Total += r.Count
		st.Audits.ByRisk[r.RiskLevel] += r.Count
		if r.Status == sshaudit.StatusBlocked {
			st.Audits.Blocked += r.Count
		}
	}
	return st, nil
}
