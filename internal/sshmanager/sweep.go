package sshmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
)

// keepaliveLoop runs periodic keepalive checks on all sessions.
func (m *Manager) keepaliveLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			m.checkConnections()
		}
	}
}

// checkConnections sends a keepalive request on each session's transport and
// treats a failure or a missing reply as connection loss. Sessions are probed
// in parallel so one stalled peer does not hold up the rest.
func (m *Manager) checkConnections() {
	var wg conc.WaitGroup
	for _, s := range m.snapshot() {
		wg.Go(func() {
			err := sendKeepalive(s.client, m.cfg.ChannelOpenTimeout)
			if err == nil {
				return
			}
			m.logger.Warn("keepalive failed", zap.Uint("endpoint", s.EndpointID), zap.Error(err))
			if m.take(s.Token) != nil {
				m.teardown(context.Background(), s, StatusLost, ReasonKeepalive)
			}
		})
	}
	wg.Wait()
}

type requester interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
}

// sendKeepalive waits at most timeout for the peer to answer. A request left
// behind returns once the transport is closed.
func sendKeepalive(conn requester, timeout time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		ch <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return apperr.Wrap(err, apperr.KindNetwork, "keepalive")
		}
		return nil
	case <-timer.C:
		return apperr.Errorf(apperr.KindTimeout, "keepalive unanswered after %s", timeout)
	}
}

func (m *Manager) sweepLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep disconnects sessions idle for longer than IdleTimeout with reason
// "timeout" and refreshes the persisted activity of the rest. Sessions with
// an open terminal or data channel are never idle. Returns the number of
// sessions evicted.
func (m *Manager) Sweep() int {
	now := m.nowFn()
	evicted := 0
	for _, s := range m.snapshot() {
		info := s.Info()
		if s.busy() || now.Sub(info.LastActivity) <= m.cfg.IdleTimeout {
			m.touchSessionRecord(s, info.LastActivity)
			continue
		}
		if m.take(s.Token) == nil {
			continue
		}
		m.logger.Info("evicting idle session",
			zap.Uint("endpoint", s.EndpointID),
			zap.Duration("idle", now.Sub(info.LastActivity)))
		m.teardown(context.Background(), s, StatusDisconnected, ReasonTimeout)
		evicted++
	}
	return evicted
}

func (m *Manager) persistSession(ctx context.Context, s *Session) {
	if m.db == nil {
		return
	}
	rec := database.SessionRecord{
		Token:          s.Token,
		EndpointID:     s.EndpointID,
		Username:       s.Actor.Username,
		SourceIP:       s.Actor.SourceIP,
		Status:         database.SessionActive,
		ConnectedAt:    s.ConnectedAt,
		LastActivityAt: s.ConnectedAt,
	}
	if err := m.db.WithContext(ctx).Create(&rec).Error; err != nil {
		m.logger.Error("persist session record failed", zap.Uint("endpoint", s.EndpointID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.recordID = rec.ID
	s.mu.Unlock()
}

func (m *Manager) touchSessionRecord(s *Session, at time.Time) {
	s.mu.Lock()
	id := s.recordID
	s.mu.Unlock()
	if m.db == nil || id == 0 {
		return
	}
	err := m.db.Model(&database.SessionRecord{}).Where("id = ?", id).
		Update("last_activity_at", at).Error
	if err != nil {
		m.logger.Warn("refresh session record failed", zap.Uint("record", id), zap.Error(err))
	}
}

func (m *Manager) endSessionRecord(s *Session, status, reason string, at time.Time) {
	s.mu.Lock()
	id := s.recordID
	last := s.lastActivity
	s.mu.Unlock()
	if m.db == nil || id == 0 {
		return
	}
	recStatus := database.SessionDisconnected
	if status == StatusLost {
		recStatus = database.SessionLost
	}
	err := m.db.Model(&database.SessionRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":           recStatus,
		"reason":           reason,
		"last_activity_at": last,
		"ended_at":         at,
	}).Error
	if err != nil {
		m.logger.Warn("close session record failed", zap.Uint("record", id), zap.Error(err))
	}
}

// ExpireSessionRecords marks active records with no activity for
// SessionRecordTTL as inactive, skipping sessions still in the pool, and
// purges ended records older than the retention window.
func (m *Manager) ExpireSessionRecords(ctx context.Context) (expired, purged int64, err error) {
	if m.db == nil {
		return 0, 0, nil
	}
	now := m.nowFn()

	live := make([]string, 0)
	for _, s := range m.snapshot() {
		live = append(live, s.Token)
	}

	tx := m.db.WithContext(ctx).Model(&database.SessionRecord{}).
		Where("status = ? AND last_activity_at < ?", database.SessionActive, now.Add(-m.cfg.SessionRecordTTL))
	if len(live) > 0 {
		tx = tx.Where("token NOT IN ?", live)
	}
	res := tx.Updates(map[string]any{
		"status":   database.SessionInactive,
		"reason":   "expired",
		"ended_at": now,
	})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("expire session records: %w", res.Error)
	}
	expired = res.RowsAffected

	days := m.cfg.SessionRecordRetentionDays
	if days <= 0 {
		days = DefaultConfig().SessionRecordRetentionDays
	}
	res = m.db.WithContext(ctx).
		Where("ended_at IS NOT NULL AND ended_at < ?", now.AddDate(0, 0, -days)).
		Delete(&database.SessionRecord{})
	if res.Error != nil {
		return expired, 0, fmt.Errorf("purge session records: %w", res.Error)
	}
	purged = res.RowsAffected

	if expired > 0 || purged > 0 {
		m.logger.Info("session records swept", zap.Int64("expired", expired), zap.Int64("purged", purged))
	}
	return expired, purged, nil
}
