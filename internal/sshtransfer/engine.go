package sshtransfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/config"
	"github.com/gluk-w/termctl/internal/eventbus"
	"github.com/gluk-w/termctl/internal/metrics"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshmanager"
)

var validate = validator.New()

// ChannelSource hands out data channels to endpoints.
type ChannelSource interface {
	AcquireChannel(ctx context.Context, endpointID uint, actor sshaudit.Actor) (*sshmanager.DataChannel, error)
}

type Config struct {
	MaxConcurrent   int
	MaxBatchSize    int
	ChunkSize       int
	Timeout         time.Duration
	RetentionDays   int
	AcquireAttempts int
	RetryMin        time.Duration
	RetryMax        time.Duration
	PersistInterval time.Duration // minimum gap between progress writes
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   5,
		MaxBatchSize:    50,
		ChunkSize:       64 * 1024,
		Timeout:         30 * time.Minute,
		RetentionDays:   30,
		AcquireAttempts: 3,
		RetryMin:        200 * time.Millisecond,
		RetryMax:        2 * time.Second,
		PersistInterval: time.Second,
	}
}

// ConfigFromSettings maps the environment settings onto a Config.
func ConfigFromSettings(s config.Settings) Config {
	c := DefaultConfig()
	c.MaxConcurrent = s.TransferMaxConcurrent
	c.ChunkSize = s.TransferChunkSize
	c.Timeout = s.TransferTimeout
	c.RetentionDays = s.TransferRetentionDays
	return c
}

// Deps are the collaborators of an Engine. Channels is required.
type Deps struct {
	Channels ChannelSource
	FS       afero.Fs  // local filesystem; defaults to the OS
	DB       *gorm.DB  // transfer records; optional
	Audit    sshaudit.Sink
	Bus      *eventbus.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Engine runs upload and download jobs over data channels borrowed from the
// connection manager.
type Engine struct {
	cfg      Config
	channels ChannelSource
	fs       afero.Fs
	db       *gorm.DB
	audit    sshaudit.Sink
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	tasks map[string]*task

	nowFn func() time.Time
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Channels == nil {
		return nil, apperr.New(apperr.KindValidation, "sshtransfer: channel source is required")
	}
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.AcquireAttempts <= 0 {
		cfg.AcquireAttempts = def.AcquireAttempts
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Audit == nil {
		deps.Audit = sshaudit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		channels: deps.Channels,
		fs:       deps.FS,
		db:       deps.DB,
		audit:    deps.Audit,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("transfer"),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		tasks:    make(map[string]*task),
		nowFn:    time.Now,
	}, nil
}

// SetNowFunc sets the clock function used for testing.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	e.nowFn = fn
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

type request struct {
	EndpointID uint   `validate:"required"`
	LocalPath  string `validate:"required"`
	RemotePath string `validate:"required"`
}

// Upload copies a local file to the endpoint. The job runs asynchronously;
// the returned snapshot is pending.
func (e *Engine) Upload(ctx context.Context, endpointID uint, localPath, remotePath string, opts Options) (Job, error) {
	if err := validate.Struct(request{endpointID, localPath, remotePath}); err != nil {
		return Job{}, apperr.Wrap(err, apperr.KindValidation, "invalid upload request")
	}
	info, err := e.fs.Stat(localPath)
	if err != nil {
		return Job{}, apperr.Wrapf(err, apperr.KindValidation, "local file %s", localPath)
	}
	if info.IsDir() {
		return Job{}, apperr.Errorf(apperr.KindValidation, "local path %s is a directory", localPath)
	}
	return e.submit(ctx, DirectionUpload, endpointID, localPath, remotePath, info.Size(), opts), nil
}

// Download copies a remote file to localPath. Parent directories are
// created as needed.
func (e *Engine) Download(ctx context.Context, endpointID uint, remotePath, localPath string, opts Options) (Job, error) {
	if err := validate.Struct(request{endpointID, localPath, remotePath}); err != nil {
		return Job{}, apperr.Wrap(err, apperr.KindValidation, "invalid download request")
	}
	if info, err := e.fs.Stat(localPath); err == nil && info.IsDir() {
		return Job{}, apperr.Errorf(apperr.KindValidation, "local path %s is a directory", localPath)
	}
	return e.submit(ctx, DirectionDownload, endpointID, localPath, remotePath, 0, opts), nil
}

func (e *Engine) submit(ctx context.Context, direction string, endpointID uint, localPath, remotePath string, size int64, opts Options) Job {
	if opts.Actor == (sshaudit.Actor{}) {
		opts.Actor = sshaudit.ActorFrom(ctx)
	}
	// The job outlives the request that created it.
	jctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	t := &task{
		job: Job{
			ID:         uuid.NewString(),
			Direction:  direction,
			EndpointID: endpointID,
			LocalPath:  localPath,
			RemotePath: remotePath,
			TotalSize:  size,
			Status:     StatusPending,
			Username:   opts.Actor.Username,
			CreatedAt:  e.nowFn(),
		},
		opts:   opts,
		ctx:    jctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	snap := t.job

	e.mu.Lock()
	e.tasks[snap.ID] = t
	e.mu.Unlock()

	e.persist(snap)
	e.logger.Info("transfer queued",
		zap.String("id", snap.ID),
		zap.String("direction", direction),
		zap.Uint("endpoint", endpointID),
		zap.String("remote", remotePath))

	e.wg.Add(1)
	go e.execute(t)
	return snap
}

func (e *Engine) lookup(id string) (*task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Get returns the job's current snapshot.
func (e *Engine) Get(id string) (Job, error) {
	t, ok := e.lookup(id)
	if !ok {
		return Job{}, apperr.Errorf(apperr.KindNotFound, "transfer %s not found", id)
	}
	return t.snapshot(), nil
}

// List returns every job the engine still tracks, newest first.
func (e *Engine) List() []Job {
	e.mu.RLock()
	jobs := make([]Job, 0, len(e.tasks))
	for _, t := range e.tasks {
		jobs = append(jobs, t.snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs
}

// Wait blocks until the job reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (Job, error) {
	t, ok := e.lookup(id)
	if !ok {
		return Job{}, apperr.Errorf(apperr.KindNotFound, "transfer %s not found", id)
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), apperr.Wrap(ctx.Err(), apperr.KindTimeout, "wait for transfer")
	}
}

// Pause stops a transferring job at the next chunk boundary. It returns
// false for any other status, an unknown job, or a job already completing.
func (e *Engine) Pause(id string) bool {
	t, ok := e.lookup(id)
	if !ok {
		return false
	}
	t.mu.Lock()
	if t.settled || !t.to(StatusPaused) {
		t.mu.Unlock()
		return false
	}
	t.resume = make(chan struct{})
	snap := t.job
	t.mu.Unlock()

	e.persist(snap)
	e.publish(eventbus.TransferPaused, snap, nil)
	e.logger.Info("transfer paused", zap.String("id", id))
	return true
}

// Resume continues a paused job.
func (e *Engine) Resume(id string) bool {
	t, ok := e.lookup(id)
	if !ok {
		return false
	}
	t.mu.Lock()
	if t.job.Status != StatusPaused || !t.to(StatusTransferring) {
		t.mu.Unlock()
		return false
	}
	close(t.resume)
	t.resume = nil
	snap := t.job
	t.mu.Unlock()

	e.persist(snap)
	e.publish(eventbus.TransferResumed, snap, nil)
	e.logger.Info("transfer resumed", zap.String("id", id))
	return true
}

// Cancel stops a pending, transferring or paused job and closes its data
// channel. The parent session stays up.
func (e *Engine) Cancel(id string) bool {
	t, ok := e.lookup(id)
	if !ok {
		return false
	}
	t.mu.Lock()
	if !t.to(StatusCancelled) {
		t.mu.Unlock()
		return false
	}
	now := e.nowFn()
	t.job.CompletedAt = &now
	t.job.Error = "cancelled"
	dc := t.dc
	t.mu.Unlock()

	t.cancel()
	if dc != nil {
		dc.Close()
	}
	e.logger.Info("transfer cancelled", zap.String("id", id))
	return true
}

// Close cancels every unfinished job and waits for the workers to exit.
func (e *Engine) Close() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		e.Cancel(id)
	}
	e.wg.Wait()
}
