package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/termctl"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	RulesFile    string `envconfig:"RULES_FILE" default:""`

	// KnownHostsFile enables host key verification; empty accepts any key.
	KnownHostsFile string `envconfig:"KNOWN_HOSTS_FILE" default:""`

	// Logging
	LogPath       string `envconfig:"LOG_PATH" default:""`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`

	// Connection manager
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"100"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"5m"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	IdleSweepInterval time.Duration `envconfig:"IDLE_SWEEP_INTERVAL" default:"60s"`

	SessionRecordTTL           time.Duration `envconfig:"SESSION_RECORD_TTL" default:"60m"`
	SessionRecordRetentionDays int           `envconfig:"SESSION_RECORD_RETENTION_DAYS" default:"30"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// Transfer engine
	TransferMaxConcurrent int           `envconfig:"TRANSFER_MAX_CONCURRENT" default:"5"`
	TransferChunkSize     int           `envconfig:"TRANSFER_CHUNK_SIZE" default:"65536"`
	TransferTimeout       time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"30m"`
	TransferRetentionDays int           `envconfig:"TRANSFER_RETENTION_DAYS" default:"30"`
}

var Cfg Settings

// Load reads TERMCTL_* environment variables into Cfg.
func Load() error {
	if err := envconfig.Process("TERMCTL", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "termctl.db")
	}
	return nil
}
