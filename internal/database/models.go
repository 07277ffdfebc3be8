package database

import "time"

// Endpoint statuses written back by the connection manager.
const (
	EndpointDisconnected = "disconnected"
	EndpointConnecting   = "connecting"
	EndpointConnected    = "connected"
	EndpointError        = "error"
)

type Endpoint struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string     `gorm:"uniqueIndex;not null" json:"name" validate:"required,max=128"`
	Address         string     `gorm:"not null" json:"address" validate:"required,hostname_rfc1123|ip"`
	Port            int        `gorm:"not null;default:22" json:"port" validate:"min=1,max=65535"`
	Username        string     `gorm:"not null" json:"username" validate:"required,max=64"`
	CredentialID    uint       `gorm:"index" json:"credential_id"`
	Group           string     `gorm:"column:group_name;index" json:"group"`
	Tags            string     `json:"tags"` // comma-separated
	Status          string     `gorm:"not null;default:disconnected" json:"status"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	ConnectionCount int        `gorm:"not null;default:0" json:"connection_count"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential holds auth material for an endpoint. Secret and Passphrase are
// Fernet-encrypted at rest.
type Credential struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Type       string    `gorm:"not null" json:"type"` // "password" or "key"
	Secret     string    `gorm:"type:text;not null" json:"-"`
	Passphrase string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Session record statuses.
const (
	SessionActive       = "active"
	SessionInactive     = "inactive"
	SessionDisconnected = "disconnected"
	SessionLost         = "lost"
)

// SessionRecord is the persisted shadow of a live session, kept for history
// after the in-memory session is gone.
type SessionRecord struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Token          string     `gorm:"uniqueIndex;not null;size:64" json:"-"`
	EndpointID     uint       `gorm:"not null;index" json:"endpoint_id"`
	Username       string     `json:"username"`
	SourceIP       string     `json:"source_ip"`
	Status         string     `gorm:"not null;index;default:active" json:"status"`
	Reason         string     `json:"reason"`
	ConnectedAt    time.Time  `gorm:"not null" json:"connected_at"`
	LastActivityAt time.Time  `gorm:"not null;index" json:"last_activity_at"`
	EndedAt        *time.Time `gorm:"index" json:"ended_at"`
}

type SecurityRule struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Type        string    `gorm:"not null;index" json:"type"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	Severity    string    `gorm:"not null" json:"severity"`
	Action      string    `gorm:"not null" json:"action"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	BuiltinKey  string    `gorm:"index" json:"builtin_key,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint      `gorm:"index" json:"user_id,omitempty"`
	Username     string    `gorm:"index" json:"username,omitempty"`
	EndpointID   uint      `gorm:"index" json:"endpoint_id,omitempty"`
	SessionToken string    `gorm:"index;size:64" json:"session_token,omitempty"`
	Category     string    `gorm:"not null;index" json:"category"`
	Action       string    `gorm:"not null;index" json:"action"`
	Resource     string    `json:"resource,omitempty"`
	Command      string    `gorm:"type:text" json:"command,omitempty"`
	Result       string    `gorm:"type:text" json:"result,omitempty"`
	Status       string    `gorm:"not null;index" json:"status"`
	RiskLevel    string    `gorm:"not null;index;default:low" json:"risk_level"`
	SourceIP     string    `json:"source_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Metadata     string    `gorm:"type:text" json:"metadata,omitempty"` // JSON object
	DurationMs   int64     `json:"duration_ms,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

type TransferRecord struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Direction       string     `gorm:"not null" json:"direction"`
	EndpointID      uint       `gorm:"not null;index" json:"endpoint_id"`
	LocalPath       string     `gorm:"not null" json:"local_path"`
	RemotePath      string     `gorm:"not null" json:"remote_path"`
	TotalSize       int64      `json:"total_size"`
	TransferredSize int64      `json:"transferred_size"`
	Speed           float64    `json:"speed"`
	Status          string     `gorm:"not null;index" json:"status"`
	Checksum        string     `json:"checksum,omitempty"`
	Error           string     `gorm:"type:text" json:"error,omitempty"`
	Username        string     `json:"username,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `gorm:"index" json:"completed_at,omitempty"`
}

// AllModels lists every table migrated by Open.
func AllModels() []any {
	return []any{
		&Endpoint{},
		&Credential{},
		&Setting{},
		&SessionRecord{},
		&SecurityRule{},
		&AuditLog{},
		&TransferRecord{},
	}
}
