// Package sshaudit is the append-only audit trail for every session,
// command, policy decision and file transfer.
//
// # Architecture
//
// [Auditor] writes [Event] values to the audit_logs table through GORM and
// emits a structured log line for each one. Collaborators depend only on the
// [Sink] interface, so the connection manager, the policy engine and the
// transfer engine can be exercised against [Memory] or [Nop] in tests.
//
// Every event requires a category (ssh, ftp, ai, security, system), an
// action and a status (success, failed, blocked, warning). Risk defaults to
// low. Metadata is stored as a JSON object.
//
// # Querying
//
// [Auditor.Query] filters by actor, endpoint, session, category, action,
// status, risk level, time range and a free-text keyword matched against
// action, command and result. Pages are 1-based, default to 20 entries and
// are capped at 1000.
//
// [Auditor.Statistics] and [Auditor.Export] (json, csv) are read-only views
// over the same table.
//
// # Retention and Purging
//
// Audit logs are retained for [DefaultRetentionDays] (90 days) by default.
// [Auditor.PurgeOlderThan] is run daily by the scheduler.
//
// # Log Prefixes
//
// All log output uses the ssh-audit logger name.
package sshaudit
