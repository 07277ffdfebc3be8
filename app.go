package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/knownhosts"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/termctl/internal/auth"
	"github.com/gluk-w/termctl/internal/config"
	"github.com/gluk-w/termctl/internal/crypto"
	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/eventbus"
	"github.com/gluk-w/termctl/internal/hosts"
	"github.com/gluk-w/termctl/internal/logging"
	"github.com/gluk-w/termctl/internal/metrics"
	"github.com/gluk-w/termctl/internal/policy"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshmanager"
	"github.com/gluk-w/termctl/internal/sshtransfer"
)

// app holds the components every command is built from. Only serve needs
// the session and transfer layers.
type app struct {
	logger  *zap.Logger
	db      *gorm.DB
	hosts   *hosts.Registry
	creds   *auth.Store
	audit   *sshaudit.Auditor
	policy  *policy.Engine
	bus     *eventbus.Bus
	metrics *metrics.Metrics

	sessions  *sshmanager.Manager
	transfers *sshtransfer.Engine
}

func newApp(ctx context.Context) (*app, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	cfg := config.Cfg

	log, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := database.Open(cfg.DatabasePath, logger.Warn)
	if err != nil {
		return nil, err
	}

	a := &app{
		logger:  log,
		db:      db,
		hosts:   hosts.NewRegistry(db),
		creds:   auth.NewStore(db, crypto.NewKeyring(db)),
		audit:   sshaudit.NewAuditor(db, log, cfg.AuditRetentionDays),
		bus:     eventbus.New(log),
		metrics: metrics.New(),
	}
	if a.policy, err = policy.New(ctx, db, a.audit, log); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// startEngines builds the connection manager and the transfer engine.
func (a *app) startEngines() error {
	cfg := config.Cfg

	mcfg := sshmanager.ConfigFromSettings(cfg)
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return fmt.Errorf("load known hosts: %w", err)
		}
		mcfg.HostKeyCallback = cb
	} else {
		a.logger.Warn("host key verification disabled; set TERMCTL_KNOWN_HOSTS_FILE to enable it")
	}

	var err error
	a.sessions, err = sshmanager.New(mcfg, sshmanager.Deps{
		Hosts:   a.hosts,
		Auth:    a.creds,
		Policy:  a.policy,
		Audit:   a.audit,
		DB:      a.db,
		Bus:     a.bus,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	a.transfers, err = sshtransfer.New(sshtransfer.ConfigFromSettings(cfg), sshtransfer.Deps{
		Channels: a.sessions,
		FS:       afero.NewOsFs(),
		DB:       a.db,
		Audit:    a.audit,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	return err
}

// close releases everything in reverse start order.
func (a *app) close() {
	if a.transfers != nil {
		a.transfers.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	a.logger.Sync()
}
