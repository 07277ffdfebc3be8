package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/database"
)

type builtinRule struct {
	key         string
	pattern     string
	severity    string
	description string
}

// Critical built-ins block, the rest warn.
var builtinRules = []builtinRule{
	{"root-delete", `^rm\s+(-rf?\s+)?/$`, SeverityCritical, "Delete the root directory"},
	{"root-glob-delete", `^rm\s+(-rf?\s+)?/\*$`, SeverityCritical, "Delete every file under the root directory"},
	{"disk-wipe", `^dd\s+if=/dev/(zero|random|urandom)\s+of=/dev/(sd[a-z]|nvme|vd[a-z])`, SeverityCritical, "Overwrite a disk device"},
	{"mkfs", `^mkfs`, SeverityCritical, "Format a filesystem"},
	{"fdisk-delete", `^fdisk.*--delete`, SeverityCritical, "Delete a disk partition"},
	{"fork-bomb", `:\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, SeverityCritical, "Fork bomb"},
	{"sudo-rm", `^sudo\s+rm`, SeverityHigh, "Delete as root"},
	{"sudo-chmod-root", `^sudo\s+chmod\s+(-R\s+)?777\s+/`, SeverityHigh, "Open permissions on the root directory"},
	{"sudo-chown-root", `^sudo\s+chown.*root.*/`, SeverityHigh, "Change ownership under the root directory"},
	{"nc-reverse-shell", `^nc\s+.*-e\s+/bin/(bash|sh)`, SeverityHigh, "Netcat reverse shell"},
	{"tcp-reverse-shell", `/bin/(bash|sh)\s+.*>&\s*/dev/tcp/`, SeverityHigh, "Bash TCP reverse shell"},
	{"curl-pipe-shell", `curl.*\|\s*(bash|sh)`, SeverityMedium, "Download and execute a script"},
	{"wget-pipe-shell", `wget.*\|\s*(bash|sh)`, SeverityMedium, "Download and execute a script"},
	{"read-credentials", `cat\s+/etc/(passwd|shadow)`, SeverityMedium, "Read system credential files"},
	{"find-xargs-rm", `find.*-name.*\|\s*xargs\s+rm`, SeverityMedium, "Bulk delete found files"},
	{"python-exec", `python[0-9.]*.*-c.*exec`, SeverityMedium, "Python inline exec"},
	{"base64-exec", `base64.*-d.*\|.*sh`, SeverityMedium, "Decode and execute base64 payload"},
	{"perl-oneliner", `perl.*-e`, SeverityLow, "Perl one-liner"},
}

const builtinSeededKey = "policy_builtin_seeded"

// seedBuiltins inserts each built-in rule the first time its key is seen.
// Keys already recorded as seeded are never re-inserted, so deleting a
// built-in rule is permanent.
func (e *Engine) seedBuiltins(ctx context.Context) error {
	seeded := map[string]bool{}
	val, err := database.GetSetting(e.db, builtinSeededKey)
	if err != nil && !errors.Is(err, database.ErrSettingNotFound) {
		return fmt.Errorf("read seeded built-in rules: %w", err)
	}
	for _, k := range strings.Split(val, ",") {
		if k != "" {
			seeded[k] = true
		}
	}

	inserted := 0
	for _, b := range builtinRules {
		if seeded[b.key] {
			continue
		}
		var count int64
		if err := e.db.WithContext(ctx).Model(&database.SecurityRule{}).Where("builtin_key = ?", b.key).Count(&count).Error; err != nil {
			return fmt.Errorf("check built-in rule %s: %w", b.key, err)
		}
		if count == 0 {
			action := ActionWarn
			if b.severity == SeverityCritical {
				action = ActionBlock
			}
			rule := database.SecurityRule{
				Name:        "builtin: " + b.description + " (" + b.key + ")",
				Type:        string(TypePattern),
				Content:     b.pattern,
				Severity:    b.severity,
				Action:      action,
				Enabled:     true,
				BuiltinKey:  b.key,
				Description: b.description,
			}
			if err := e.db.WithContext(ctx).Create(&rule).Error; err != nil {
				return fmt.Errorf("insert built-in rule %s: %w", b.key, err)
			}
			inserted++
		}
		seeded[b.key] = true
	}

	keys := make([]string, 0, len(seeded))
	for _, b := range builtinRules {
		if seeded[b.key] {
			keys = append(keys, b.key)
		}
	}
	if err := database.SetSetting(e.db, builtinSeededKey, strings.Join(keys, ",")); err != nil {
		return fmt.Errorf("record seeded built-in rules: %w", err)
	}
	if inserted > 0 {
		e.logger.Info("seeded built-in security rules", zap.Int("count", inserted))
	}
	return nil
}

// Predicates available to custom rules without registration.
var defaultPredicates = map[string]CustomPredicate{
	// multiline: a command smuggling a second line past single-line checks.
	"multiline": func(command string, _ CheckContext) bool {
		return strings.ContainsAny(command, "\n\r")
	},
	// subshell: command substitution.
	"subshell": func(command string, _ CheckContext) bool {
		return strings.Contains(command, "$(") || strings.Contains(command, "`")
	},
}
