package sshtransfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/eventbus"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshmanager"
)

// errTransferTimeout is the stored error of a job that ran past Timeout.
var errTransferTimeout = apperr.New(apperr.KindTimeout, "transfer timeout")

func (e *Engine) execute(t *task) {
	defer e.wg.Done()
	defer close(t.done)

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-t.ctx.Done():
		e.finish(t, t.ctx.Err())
		return
	}

	t.mu.Lock()
	if !t.to(StatusTransferring) {
		t.mu.Unlock()
		e.finish(t, t.ctx.Err())
		return
	}
	now := e.nowFn()
	t.job.StartedAt = &now
	snap := t.job
	t.mu.Unlock()

	e.persist(snap)
	e.publish(eventbus.TransferStarted, snap, nil)

	dc, err := e.acquire(t)
	if err != nil {
		e.finish(t, err)
		return
	}
	t.setChannel(dc)
	defer dc.Close()

	if snap.Direction == DirectionUpload {
		err = e.upload(t, dc)
	} else {
		err = e.download(t, dc)
	}
	if err == nil && t.opts.Checksum {
		var sum string
		if sum, err = e.checksum(snap.LocalPath); err == nil {
			t.mu.Lock()
			t.job.Checksum = sum
			t.mu.Unlock()
		}
	}
	if err == nil {
		// A pause that landed after the last chunk holds completion until
		// resume.
		err = t.settle(t.ctx)
	}
	e.finish(t, err)
}

// acquire borrows a data channel, retrying network failures with backoff.
func (e *Engine) acquire(t *task) (*sshmanager.DataChannel, error) {
	b := &backoff.Backoff{
		Min:    e.cfg.RetryMin,
		Max:    e.cfg.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		dc, err := e.channels.AcquireChannel(t.ctx, t.job.EndpointID, t.opts.Actor)
		if err == nil {
			return dc, nil
		}
		if !apperr.IsKind(err, apperr.KindNetwork) || attempt >= e.cfg.AcquireAttempts {
			return nil, err
		}
		wait := b.Duration()
		e.logger.Warn("acquire data channel failed; retrying",
			zap.String("id", t.job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-t.ctx.Done():
			return nil, t.ctx.Err()
		}
	}
}

func (e *Engine) upload(t *task, dc *sshmanager.DataChannel) error {
	f, err := e.fs.Open(t.job.LocalPath)
	if err != nil {
		return apperr.Wrapf(err, apperr.KindValidation, "open %s", t.job.LocalPath)
	}
	defer f.Close()

	st, err := dc.Start(t.ctx, "cat > "+shellQuote(t.job.RemotePath))
	if err != nil {
		return err
	}

	buf := make([]byte, e.cfg.ChunkSize)
	for {
		if err := t.waitIfPaused(t.ctx); err != nil {
			st.Stdin.Close()
			st.Wait()
			return err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := st.Stdin.Write(buf[:n]); werr != nil {
				st.Wait()
				if t.ctx.Err() != nil {
					return t.ctx.Err()
				}
				return apperr.Wrap(werr, apperr.KindNetwork, "write remote file")
			}
			e.progress(t, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			st.Stdin.Close()
			st.Wait()
			return apperr.Wrapf(rerr, apperr.KindInternal, "read %s", t.job.LocalPath)
		}
	}
	st.Stdin.Close()
	return st.Wait()
}

func (e *Engine) download(t *task, dc *sshmanager.DataChannel) (err error) {
	quoted := shellQuote(t.job.RemotePath)
	out, err := dc.Output(t.ctx, "stat -c %s "+quoted)
	if err != nil {
		return err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return apperr.Errorf(apperr.KindInternal, "unexpected size %q for %s", strings.TrimSpace(string(out)), t.job.RemotePath)
	}
	t.mu.Lock()
	t.job.TotalSize = size
	t.mu.Unlock()

	if dir := filepath.Dir(t.job.LocalPath); dir != "." {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return apperr.Wrapf(err, apperr.KindInternal, "create %s", dir)
		}
	}
	// The stream lands in a sibling file that replaces LocalPath only once
	// it is complete.
	part := t.job.LocalPath + ".part"
	f, err := e.fs.Create(part)
	if err != nil {
		return apperr.Wrapf(err, apperr.KindInternal, "create %s", part)
	}
	defer func() {
		f.Close()
		if err != nil {
			if rerr := e.fs.Remove(part); rerr != nil {
				e.logger.Warn("remove partial download", zap.String("path", part), zap.Error(rerr))
			}
		}
	}()

	st, err := dc.Start(t.ctx, "cat "+quoted)
	if err != nil {
		return err
	}
	st.Stdin.Close()

	buf := make([]byte, e.cfg.ChunkSize)
	for {
		if err := t.waitIfPaused(t.ctx); err != nil {
			st.Wait()
			return err
		}
		n, rerr := io.ReadFull(st.Stdout, buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				st.Wait()
				return apperr.Wrapf(werr, apperr.KindInternal, "write %s", t.job.LocalPath)
			}
			e.progress(t, int64(n))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			st.Wait()
			if t.ctx.Err() != nil {
				return t.ctx.Err()
			}
			return apperr.Wrap(rerr, apperr.KindNetwork, "read remote file")
		}
	}
	if err = st.Wait(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return apperr.Wrapf(err, apperr.KindInternal, "close %s", part)
	}
	if err = e.fs.Rename(part, t.job.LocalPath); err != nil {
		return apperr.Wrapf(err, apperr.KindInternal, "rename %s", part)
	}
	return nil
}

// progress accounts n more bytes and notifies observers. It is only called
// from the job's goroutine, so observers see non-decreasing values.
func (e *Engine) progress(t *task, n int64) {
	now := e.nowFn()
	t.mu.Lock()
	t.job.TransferredSize += n
	var elapsed time.Duration
	if t.job.StartedAt != nil {
		elapsed = now.Sub(*t.job.StartedAt)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		t.job.Speed = float64(t.job.TransferredSize) / secs
	}
	snap := t.job
	flush := now.Sub(t.lastPersist) >= e.cfg.PersistInterval
	if flush {
		t.lastPersist = now
	}
	t.mu.Unlock()

	p := Progress{
		ID:          snap.ID,
		Direction:   snap.Direction,
		Transferred: snap.TransferredSize,
		Total:       snap.TotalSize,
		Percent:     snap.Progress(),
		Speed:       snap.Speed,
		Elapsed:     elapsed,
	}
	e.metrics.AddTransferBytes(snap.Direction, n)
	e.publish(eventbus.TransferProgress, snap, map[string]any{
		"transferred": p.Transferred,
		"total":       p.Total,
		"progress":    p.Percent,
		"speed":       p.Speed,
		"elapsed":     elapsed.Seconds(),
	})
	if t.opts.Progress != nil {
		t.opts.Progress(p)
	}
	if flush {
		e.persist(snap)
	}
}

// finish moves the job to its terminal status and records the outcome. A
// job cancelled by Cancel keeps that status whatever err says.
func (e *Engine) finish(t *task, err error) {
	now := e.nowFn()
	t.mu.Lock()
	switch {
	case t.job.Status == StatusCancelled:
	case errors.Is(t.ctx.Err(), context.DeadlineExceeded):
		t.job.Status = StatusFailed
		t.job.Error = errTransferTimeout.Error()
	case err != nil:
		t.job.Status = StatusFailed
		t.job.Error = err.Error()
	default:
		t.job.Status = StatusCompleted
	}
	if t.job.CompletedAt == nil {
		t.job.CompletedAt = &now
	}
	snap := t.job
	t.mu.Unlock()
	t.cancel()

	e.persist(snap)

	action := sshaudit.ActionFileUpload
	if snap.Direction == DirectionDownload {
		action = sshaudit.ActionFileDownload
	}
	status, risk := sshaudit.StatusSuccess, sshaudit.RiskLow
	if snap.Status != StatusCompleted {
		status, risk = sshaudit.StatusFailed, sshaudit.RiskMedium
	}
	var duration time.Duration
	if snap.StartedAt != nil {
		duration = snap.CompletedAt.Sub(*snap.StartedAt)
	}
	if _, aerr := e.audit.Log(context.Background(), sshaudit.Event{
		Actor:      t.opts.Actor,
		EndpointID: snap.EndpointID,
		Category:   sshaudit.CategoryFTP,
		Action:     action,
		Resource:   fmt.Sprintf("%s -> %s", source(snap), target(snap)),
		Result:     snap.Status,
		Status:     status,
		RiskLevel:  risk,
		Metadata: map[string]any{
			"transfer_id": snap.ID,
			"bytes":       snap.TransferredSize,
			"total":       snap.TotalSize,
			"speed":       snap.Speed,
			"checksum":    snap.Checksum,
			"error":       snap.Error,
		},
		Duration: duration,
	}); aerr != nil {
		e.logger.Error("audit transfer failed", zap.String("id", snap.ID), zap.Error(aerr))
	}

	e.metrics.ObserveTransfer(snap.Direction, snap.Status)

	typ := eventbus.TransferCompleted
	switch snap.Status {
	case StatusFailed:
		typ = eventbus.TransferFailed
	case StatusCancelled:
		typ = eventbus.TransferCancelled
	}
	e.publish(typ, snap, map[string]any{"error": snap.Error})

	fields := []zap.Field{
		zap.String("id", snap.ID),
		zap.String("status", snap.Status),
		zap.Int64("bytes", snap.TransferredSize),
		zap.Duration("elapsed", duration),
	}
	if snap.Status == StatusFailed {
		e.logger.Warn("transfer failed", append(fields, zap.String("error", snap.Error))...)
	} else {
		e.logger.Info("transfer finished", fields...)
	}
}

func source(j Job) string {
	if j.Direction == DirectionUpload {
		return j.LocalPath
	}
	return j.RemotePath
}

func target(j Job) string {
	if j.Direction == DirectionUpload {
		return j.RemotePath
	}
	return j.LocalPath
}

func (e *Engine) checksum(path string) (string, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return "", apperr.Wrapf(err, apperr.KindInternal, "open %s for checksum", path)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", apperr.Wrapf(err, apperr.KindInternal, "checksum %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) persist(j Job) {
	if e.db == nil {
		return
	}
	rec := j.record()
	err := e.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		e.logger.Warn("persist transfer record failed", zap.String("id", j.ID), zap.Error(err))
	}
}

func (e *Engine) publish(typ string, j Job, extra map[string]any) {
	fields := map[string]any{
		"id":          j.ID,
		"direction":   j.Direction,
		"endpoint_id": j.EndpointID,
		"status":      j.Status,
	}
	for k, v := range extra {
		fields[k] = v
	}
	e.bus.Publish(typ, fields)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
