// Package scheduler runs the periodic retention jobs: session-record expiry,
// audit purge and transfer cleanup.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type SessionSweeper interface {
	ExpireSessionRecords(ctx context.Context) (expired, purged int64, err error)
}

type AuditPurger interface {
	PurgeOlderThan(days int) (int64, error)
}

type TransferCleaner interface {
	Cleanup(ctx context.Context, days int) (int64, error)
}

// Jobs wires the collaborators. A nil collaborator skips its job.
type Jobs struct {
	Sessions              SessionSweeper
	Audit                 AuditPurger
	Transfers             TransferCleaner
	AuditRetentionDays    int
	TransferRetentionDays int
}

const (
	SessionRecordSpec = "@hourly"
	AuditPurgeSpec    = "@daily"
	TransferSpec      = "@daily"
)

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
	id   cron.EntryID
}

// Entry describes one scheduled job.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   []*job
	logger *zap.Logger
}

func New(jobs Jobs, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{logger.Sugar()}), cron.WithChain(cron.Recover(cronLogger{logger.Sugar()}))),
		logger: logger,
	}

	if jobs.Sessions != nil {
		s.jobs = append(s.jobs, &job{name: "session-records", spec: SessionRecordSpec, run: func(ctx context.Context) error {
			expired, purged, err := jobs.Sessions.ExpireSessionRecords(ctx)
			if err == nil {
				logger.Info("session records swept", zap.Int64("expired", expired), zap.Int64("purged", purged))
			}
			return err
		}})
	}
	if jobs.Audit != nil {
		s.jobs = append(s.jobs, &job{name: "audit-purge", spec: AuditPurgeSpec, run: func(context.Context) error {
			n, err := jobs.Audit.PurgeOlderThan(jobs.AuditRetentionDays)
			if err == nil {
				logger.Info("audit log purged", zap.Int64("deleted", n), zap.Int("days", jobs.AuditRetentionDays))
			}
			return err
		}})
	}
	if jobs.Transfers != nil {
		s.jobs = append(s.jobs, &job{name: "transfer-cleanup", spec: TransferSpec, run: func(ctx context.Context) error {
			n, err := jobs.Transfers.Cleanup(ctx, jobs.TransferRetentionDays)
			if err == nil {
				logger.Info("transfer records cleaned", zap.Int64("deleted", n))
			}
			return err
		}})
	}

	for _, j := range s.jobs {
		id, err := s.cron.AddFunc(j.spec, func() { s.runJob(context.Background(), j) })
		if err != nil {
			return nil, err
		}
		j.id = id
	}
	return s, nil
}

// runJob logs and swallows the job's error.
func (s *Scheduler) runJob(ctx context.Context, j *job) {
	start := time.Now()
	if err := j.run(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled job done", zap.String("job", j.name), zap.Duration("elapsed", time.Since(start)))
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop stops scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// RunAll runs every job once, in registration order.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, j := range s.jobs {
		s.runJob(ctx, j)
	}
}

func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.id)
		out = append(out, Entry{Name: j.name, Spec: j.spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
