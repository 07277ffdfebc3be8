package sshtransfer

import (
	"context"
	"sync"
	"time"

	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshmanager"
)

const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Job statuses.
const (
	StatusPending      = "pending"
	StatusTransferring = "transferring"
	StatusPaused       = "paused"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry.
var transitions = map[string][]string{
	StatusPending:      {StatusTransferring, StatusFailed, StatusCancelled},
	StatusTransferring: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:       {StatusTransferring, StatusFailed, StatusCancelled},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Job is a point-in-time view of a transfer.
type Job struct {
	ID              string     `json:"id"`
	Direction       string     `json:"direction"`
	EndpointID      uint       `json:"endpoint_id"`
	LocalPath       string     `json:"local_path"`
	RemotePath      string     `json:"remote_path"`
	TotalSize       int64      `json:"total_size"`
	TransferredSize int64      `json:"transferred_size"`
	Speed           float64    `json:"speed"`
	Status          string     `json:"status"`
	Checksum        string     `json:"checksum,omitempty"`
	Error           string     `json:"error,omitempty"`
	Username        string     `json:"username,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Progress percentage in [0, 100]. Zero until the size is known.
func (j Job) Progress() float64 {
	if j.TotalSize <= 0 {
		if j.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	p := float64(j.TransferredSize) / float64(j.TotalSize) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (j Job) record() database.TransferRecord {
	return database.TransferRecord{
		ID:              j.ID,
		Direction:       j.Direction,
		EndpointID:      j.EndpointID,
		LocalPath:       j.LocalPath,
		RemotePath:      j.RemotePath,
		TotalSize:       j.TotalSize,
		TransferredSize: j.TransferredSize,
		Speed:           j.Speed,
		Status:          j.Status,
		Checksum:        j.Checksum,
		Error:           j.Error,
		Username:        j.Username,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// Progress is delivered to a ProgressFunc after every chunk.
type Progress struct {
	ID          string        `json:"id"`
	Direction   string        `json:"direction"`
	Transferred int64         `json:"transferred"`
	Total       int64         `json:"total"`
	Percent     float64       `json:"progress"`
	Speed       float64       `json:"speed"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ProgressFunc observes one job. It runs on the transfer goroutine, so a
// slow observer slows the transfer.
type ProgressFunc func(Progress)

// Options apply to a single upload or download.
type Options struct {
	Checksum bool
	Actor    sshaudit.Actor
	Progress ProgressFunc
}

// task is the engine's mutable record of a job.
type task struct {
	mu     sync.Mutex
	job    Job
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	resume chan struct{} // closed on resume; nil unless paused
	dc     *sshmanager.DataChannel
	done   chan struct{}

	// settled is set once the job may no longer be paused.
	settled bool

	lastPersist time.Time
}

func (t *task) snapshot() Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// to moves the job to status if the transition table allows it. Must be
// called with t.mu held.
func (t *task) to(status string) bool {
	if !canTransition(t.job.Status, status) {
		return false
	}
	t.job.Status = status
	return true
}

// waitIfPaused blocks while the job is paused. It returns ctx's error when
// the job is cancelled or times out while waiting.
func (t *task) waitIfPaused(ctx context.Context) error {
	t.mu.Lock()
	ch := t.resume
	paused := t.job.Status == StatusPaused
	t.mu.Unlock()
	if !paused {
		return ctx.Err()
	}
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle waits out any pause and then marks the job as past the point where
// Pause is accepted.
func (t *task) settle(ctx context.Context) error {
	for {
		if err := t.waitIfPaused(ctx); err != nil {
			return err
		}
		t.mu.Lock()
		if t.job.Status != StatusPaused {
			t.settled = true
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
	}
}

func (t *task) setChannel(dc *sshmanager.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()
}
