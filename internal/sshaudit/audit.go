package sshaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/logutil"
)

// Categories.
const (
	CategorySSH      = "ssh"
	CategoryFTP      = "ftp"
	CategoryAI       = "ai"
	CategorySecurity = "security"
	CategorySystem   = "system"
)

// Statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusBlocked = "blocked"
	StatusWarning = "warning"
)

// Risk levels, ordered low < medium < high < critical.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Actions recorded by the connection manager, policy engine and transfer engine.
const (
	ActionConnect          = "ssh_connect"
	ActionConnectFailed    = "ssh_connect_failed"
	ActionDisconnect       = "ssh_disconnect"
	ActionConnectionLost   = "ssh_connection_lost"
	ActionCommandExecution = "command_execution"
	ActionShellCreated     = "shell_created"
	ActionCommandAudit     = "command_audit"
	ActionFileUpload       = "file_upload"
	ActionFileDownload     = "file_download"
	ActionRuleChange       = "rule_change"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Actor identifies who triggered an event.
type Actor struct {
	UserID    uint   `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Event is a single audit record before persistence.
type Event struct {
	Actor
	EndpointID   uint
	SessionToken string
	Category     string `validate:"required,oneof=ssh ftp ai security system"`
	Action       string `validate:"required,max=64"`
	Resource     string
	Command      string
	Result       string
	Status       string `validate:"required,oneof=success failed blocked warning"`
	RiskLevel    string `validate:"omitempty,oneof=low medium high critical"`
	Metadata     map[string]any
	Duration     time.Duration
}

// Sink is the append-only interface every component writes events through.
type Sink interface {
	Log(ctx context.Context, ev Event) (uint, error)
}

var validate = validator.New()

// Auditor is the gorm-backed Sink. It also answers queries, statistics and
// exports over the same table.
type Auditor struct {
	db            *gorm.DB
	logger        *zap.Logger
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor writing to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, logger *zap.Logger, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		logger:        logger.Named("ssh-audit"),
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log validates and appends ev, returning the new record id.
func (a *Auditor) Log(ctx context.Context, ev Event) (uint, error) {
	if err := validate.Struct(ev); err != nil {
		return 0, apperr.Wrap(err, apperr.KindValidation, "invalid audit event")
	}
	if ev.RiskLevel == "" {
		ev.RiskLevel = RiskLow
	}

	var meta string
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, apperr.Wrap(err, apperr.KindValidation, "encode audit metadata")
		}
		meta = string(b)
	}

	record := database.AuditLog{
		UserID:       ev.UserID,
		Username:     ev.Username,
		EndpointID:   ev.EndpointID,
		SessionToken: ev.SessionToken,
		Category:     ev.Category,
		Action:       ev.Action,
		Resource:     ev.Resource,
		Command:      ev.Command,
		Result:       ev.Result,
		Status:       ev.Status,
		RiskLevel:    ev.RiskLevel,
		SourceIP:     ev.SourceIP,
		UserAgent:    ev.UserAgent,
		Metadata:     meta,
		DurationMs:   ev.Duration.Milliseconds(),
		CreatedAt:    a.nowFn(),
	}
	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		a.logger.Error("failed to write audit log", zap.String("action", ev.Action), zap.Error(err))
		return 0, fmt.Errorf("write audit log: %w", err)
	}

	a.logger.Info(ev.Action,
		zap.String("category", ev.Category),
		zap.String("status", ev.Status),
		zap.String("risk", ev.RiskLevel),
		zap.Uint("endpoint", ev.EndpointID),
		zap.String("user", logutil.SanitizeForLog(ev.Username)),
		zap.String("ip", ev.SourceIP),
	)
	return record.ID, nil
}

// Filter narrows a query. Zero values are ignored.
type Filter struct {
	UserID       uint
	Username     string
	EndpointID   uint
	SessionToken string
	Category     string
	Action       string
	Status       string
	RiskLevel    string
	Since        *time.Time
	Until        *time.Time
	Keyword      string // matched against action, command and result
}

// Page selects a 1-based page of results.
type Page struct {
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 1000
)

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	return p
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Events     []database.AuditLog `json:"events"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
	TotalPages int                 `json:"total_pages"`
}

func (a *Auditor) scoped(ctx context.Context, f Filter) *gorm.DB {
	tx := a.db.WithContext(ctx).Model(&database.AuditLog{})
	if f.UserID > 0 {
		tx = tx.Where("user_id = ?", f.UserID)
	}
	if f.Username != "" {
		tx = tx.Where("username = ?", f.Username)
	}
	if f.EndpointID > 0 {
		tx = tx.Where("endpoint_id = ?", f.EndpointID)
	}
	if f.SessionToken != "" {
		tx = tx.Where("session_token = ?", f.SessionToken)
	}
	if f.Category != "" {
		tx = tx.Where("category = ?", f.Category)
	}
	if f.Action != "" {
		tx = tx.Where("action = ?", f.Action)
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", f.Status)
	}
	if f.RiskLevel != "" {
		tx = tx.Where("risk_level = ?", f.RiskLevel)
	}
	if f.Since != nil {
		tx = tx.Where("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		tx = tx.Where("created_at <= ?", *f.Until)
	}
	if f.Keyword != "" {
		kw := "%" + f.Keyword + "%"
		tx = tx.Where("(action LIKE ? OR command LIKE ? OR result LIKE ?)", kw, kw, kw)
	}
	return tx
}

// Query retrieves audit log entries matching f, newest first.
func (a *Auditor) Query(ctx context.Context, f Filter, p Page) (*QueryResult, error) {
	p = p.normalize()

	var total int64
	if err := a.scoped(ctx, f).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	var events []database.AuditLog
	err := a.scoped(ctx, f).
		Order("created_at DESC").Order("id DESC").
		Offset((p.Page - 1) * p.PageSize).Limit(p.PageSize).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	return &QueryResult{
		Events:     events,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(p.PageSize))),
	}, nil
}

// PurgeOlderThan removes entries older than days. A non-positive value uses
// the configured retention period. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		a.logger.Error("purge failed", zap.Error(result.Error))
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.logger.Info("purged audit log entries", zap.Int64("count", result.RowsAffected), zap.Int("older_than_days", days))
	}
	return result.RowsAffected, nil
}

// DeleteByIDs removes the given records. Used for administrative cleanup.
func (a *Auditor) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, apperr.New(apperr.KindValidation, "no audit log ids given")
	}
	result := a.db.WithContext(ctx).Where("id IN ?", ids).Delete(&database.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete audit logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
