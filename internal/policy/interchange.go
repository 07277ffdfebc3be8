package policy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
)

// RuleSet is the YAML document shape used by export and import.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// UnmarshalYAML defaults Enabled to true for hand-written rule files.
func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// ExportRules serializes every rule as YAML.
func (e *Engine) ExportRules(ctx context.Context) ([]byte, error) {
	rules, err := e.ListRules(ctx, RuleFilter{})
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(RuleSet{Rules: rules})
	if err != nil {
		return nil, fmt.Errorf("marshal rules: %w", err)
	}
	return data, nil
}

type ImportError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type ImportResult struct {
	Imported int           `json:"imported"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportRules loads a YAML rule set. Rules whose name already exists are
// skipped unless overwrite is set, in which case they are replaced in place.
// Invalid rules are reported and never abort the rest of the import.
func (e *Engine) ImportRules(ctx context.Context, data []byte, overwrite bool) (*ImportResult, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "parse rules YAML")
	}

	res := &ImportResult{Errors: []ImportError{}}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range rs.Rules {
		r := rs.Rules[i]
		if r.Severity == "" {
			r.Severity = SeverityMedium
		}
		if r.Action == "" {
			r.Action = ActionWarn
		}
		if err := checkRule(&r); err != nil {
			res.Errors = append(res.Errors, ImportError{Name: r.Name, Error: err.Error()})
			continue
		}

		var existing database.SecurityRule
		err := e.db.WithContext(ctx).Where("name = ?", r.Name).First(&existing).Error
		switch {
		case err == nil && !overwrite:
			res.Skipped++
			continue
		case err == nil:
			existing.Type = string(r.Type)
			existing.Content = r.Content
			existing.Severity = r.Severity
			existing.Action = r.Action
			existing.Enabled = r.Enabled
			existing.Description = r.Description
			if err := e.db.WithContext(ctx).Save(&existing).Error; err != nil {
				res.Errors = append(res.Errors, ImportError{Name: r.Name, Error: err.Error()})
				continue
			}
			res.Updated++
		case errors.Is(err, gorm.ErrRecordNotFound):
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
				res.Errors = append(res.Errors, ImportError{Name: r.Name, Error: err.Error()})
				continue
			}
			res.Imported++
		default:
			return nil, fmt.Errorf("look up rule %q: %w", r.Name, err)
		}
	}

	if res.Imported+res.Updated > 0 {
		if err := e.reloadLocked(ctx); err != nil {
			return nil, err
		}
	}
	e.logger.Info("rules imported",
		zap.Int("imported", res.Imported), zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped), zap.Int("errors", len(res.Errors)))
	return res, nil
}
