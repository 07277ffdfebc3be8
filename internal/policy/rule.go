package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gluk-w/termctl/internal/database"
)

// RuleType selects how a rule's content is interpreted.
type RuleType string

const (
	TypeBlacklist RuleType = "blacklist"
	TypeWhitelist RuleType = "whitelist"
	TypePattern   RuleType = "pattern"
	TypeCustom    RuleType = "custom"
)

// Severities, ordered low < medium < high < critical.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	ActionBlock = "block"
	ActionWarn  = "warn"
	ActionLog   = "log"
)

// Rule is a declarative check against outbound commands.
type Rule struct {
	ID          uint      `json:"id" yaml:"-"`
	Name        string    `json:"name" yaml:"name" validate:"required,max=128"`
	Type        RuleType  `json:"type" yaml:"type" validate:"required,oneof=blacklist whitelist pattern custom"`
	Content     string    `json:"content" yaml:"content" validate:"required"`
	Severity    string    `json:"severity" yaml:"severity" validate:"required,oneof=low medium high critical"`
	Action      string    `json:"action" yaml:"action" validate:"required,oneof=block warn log"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Builtin     bool      `json:"builtin" yaml:"-"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

func ruleFromModel(m *database.SecurityRule) Rule {
	return Rule{
		ID:          m.ID,
		Name:        m.Name,
		Type:        RuleType(m.Type),
		Content:     m.Content,
		Severity:    m.Severity,
		Action:      m.Action,
		Enabled:     m.Enabled,
		Builtin:     m.BuiltinKey != "",
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// matcher is implemented once per RuleType. compileMatcher is the only
// constructor; a type without a case there is rejected when the rule is saved.
type matcher interface {
	match(command string, cc CheckContext, lookup func(string) CustomPredicate) bool
}

type blacklistMatcher struct{ items []string }

func (m blacklistMatcher) match(command string, _ CheckContext, _ func(string) CustomPredicate) bool {
	lc := strings.ToLower(command)
	for _, item := range m.items {
		if strings.Contains(lc, item) {
			return true
		}
	}
	return false
}

type whitelistMatcher struct{ items []string }

func (m whitelistMatcher) match(command string, _ CheckContext, _ func(string) CustomPredicate) bool {
	lc := strings.ToLower(command)
	for _, item := range m.items {
		if strings.HasPrefix(lc, item) {
			return false
		}
	}
	return true
}

type patternMatcher struct{ re *regexp.Regexp }

func (m patternMatcher) match(command string, _ CheckContext, _ func(string) CustomPredicate) bool {
	return m.re.MatchString(command)
}

type customMatcher struct{ key string }

func (m customMatcher) match(command string, cc CheckContext, lookup func(string) CustomPredicate) bool {
	pred := lookup(m.key)
	if pred == nil {
		return false
	}
	return pred(command, cc)
}

// splitList splits comma-separated rule content, lowercasing and dropping
// empty items.
func splitList(content string) []string {
	parts := strings.Split(content, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			items = append(items, p)
		}
	}
	return items
}

func compileMatcher(t RuleType, content string) (matcher, error) {
	switch t {
	case TypeBlacklist:
		items := splitList(content)
		if len(items) == 0 {
			return nil, fmt.Errorf("blacklist has no items")
		}
		return blacklistMatcher{items: items}, nil
	case TypeWhitelist:
		items := splitList(content)
		if len(items) == 0 {
			return nil, fmt.Errorf("whitelist has no items")
		}
		return whitelistMatcher{items: items}, nil
	case TypePattern:
		re, err := regexp.Compile("(?i)" + content)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return patternMatcher{re: re}, nil
	case TypeCustom:
		key := strings.TrimSpace(content)
		if key == "" {
			return nil, fmt.Errorf("custom rule needs a predicate key")
		}
		return customMatcher{key: key}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", t)
	}
}

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func higher(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}
