// Package policy is the command security gate. Every command headed for a
// remote shell is checked here first.
//
// # Rules
//
// A [Rule] has a type, content, a severity and an action:
//
//   - blacklist: comma-separated keywords; any case-insensitive substring hit matches
//   - whitelist: comma-separated prefixes; a command starting with none of them matches
//   - pattern: a regular expression, always compiled case-insensitive
//   - custom: the name of a [CustomPredicate] registered on the engine
//
// A verdict is blocked when any matching rule has action block. Its risk
// level is the highest matched severity, or low. Severity and action are
// independent: a critical rule that only warns is allowed, logged at
// snapshot build and reported by [Engine.Stats].
//
// # Snapshots
//
// Enabled rules are compiled into an immutable snapshot held in an
// atomic.Pointer. Evaluation never locks. Each mutation persists through
// GORM and rebuilds the snapshot while holding the engine's writer mutex.
//
// # Built-in rules
//
// Built-ins are ordinary pattern rules tagged with a builtin key. Each key is
// seeded once; after that the rule can be edited, disabled or deleted for good.
//
// # Log Prefixes
//
// All log output uses the policy logger name.
package policy
