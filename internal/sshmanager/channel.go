package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/logutil"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

// DataChannel is a transfer's private lane over a pooled connection. Every
// command it runs gets its own ssh.Session; only one runs at a time. Closing
// the channel kills the active command and leaves the parent session and
// any other channels alone.
type DataChannel struct {
	ID         string
	Token      string
	EndpointID uint

	parent *Session
	mgr    *Manager

	mu      sync.Mutex
	current *ssh.Session
	closed  bool
}

// AcquireChannel returns a data channel to the endpoint. A live session to
// the endpoint is reused; otherwise one is connected with credentials from
// the auth provider.
func (m *Manager) AcquireChannel(ctx context.Context, endpointID uint, actor sshaudit.Actor) (*DataChannel, error) {
	s := m.liveSessionFor(endpointID)
	if s == nil {
		var err error
		if s, err = m.Connect(ctx, endpointID, nil, actor); err != nil {
			return nil, err
		}
	}
	s.touch(m.nowFn())

	dc := &DataChannel{
		ID:         uuid.NewString(),
		Token:      s.Token,
		EndpointID: endpointID,
		parent:     s,
		mgr:        m,
	}
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindNetwork, "session closed while acquiring channel")
	}
	s.channels[dc] = struct{}{}
	s.mu.Unlock()

	m.logger.Debug("data channel acquired", zap.Uint("endpoint", endpointID), zap.String("channel", dc.ID))
	return dc, nil
}

// liveSessionFor picks the most recently active session to the endpoint.
func (m *Manager) liveSessionFor(endpointID uint) *Session {
	var best *Session
	var bestInfo SessionInfo
	for _, s := range m.snapshot() {
		if s.EndpointID != endpointID {
			continue
		}
		info := s.Info()
		if info.Status != StatusConnected {
			continue
		}
		if best == nil || info.LastActivity.After(bestInfo.LastActivity) {
			best, bestInfo = s, info
		}
	}
	return best
}

func (dc *DataChannel) begin(ctx context.Context) (*ssh.Session, error) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return nil, apperr.New(apperr.KindNetwork, "data channel closed")
	}
	if dc.current != nil {
		dc.mu.Unlock()
		return nil, apperr.New(apperr.KindInternal, "data channel busy")
	}
	dc.mu.Unlock()

	sess, err := openSession(ctx, dc.parent.client, dc.mgr.cfg.ChannelOpenTimeout)
	if err != nil {
		return nil, err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.closed {
		sess.Close()
		return nil, apperr.New(apperr.KindNetwork, "data channel closed")
	}
	dc.current = sess
	dc.parent.touch(dc.mgr.nowFn())
	return sess, nil
}

func (dc *DataChannel) end(sess *ssh.Session) {
	dc.mu.Lock()
	if dc.current == sess {
		dc.current = nil
	}
	dc.mu.Unlock()
	sess.Close()
	dc.parent.touch(dc.mgr.nowFn())
}

// Output runs cmd and returns its stdout. A non-zero exit is an error
// carrying the remote stderr.
func (dc *DataChannel) Output(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := dc.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dc.end(sess)
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf
	if err := sess.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(ctx.Err(), apperr.KindNetwork, "command cancelled")
		}
		return nil, remoteError(err, cmd, errBuf.String())
	}
	return outBuf.Bytes(), nil
}

// Stream is a running command with piped stdin and stdout.
type Stream struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	dc     *DataChannel
	sess   *ssh.Session
	cmd    string
	stderr bytes.Buffer
	stop   func() bool
	ctx    context.Context
}

// Start launches cmd. The caller must call Wait.
func (dc *DataChannel) Start(ctx context.Context, cmd string) (*Stream, error) {
	sess, err := dc.begin(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stream{dc: dc, sess: sess, cmd: cmd, ctx: ctx}
	sess.Stderr = &st.stderr

	if st.Stdin, err = sess.StdinPipe(); err != nil {
		dc.end(sess)
		return nil, apperr.Wrap(err, apperr.KindNetwork, "stdin pipe")
	}
	if st.Stdout, err = sess.StdoutPipe(); err != nil {
		dc.end(sess)
		return nil, apperr.Wrap(err, apperr.KindNetwork, "stdout pipe")
	}
	if err := sess.Start(cmd); err != nil {
		dc.end(sess)
		return nil, apperr.Wrap(err, apperr.KindNetwork, "start remote command")
	}
	st.stop = context.AfterFunc(ctx, func() { sess.Close() })
	return st, nil
}

// Wait blocks until the command exits and releases the channel for the next
// command.
func (st *Stream) Wait() error {
	err := st.sess.Wait()
	st.stop()
	st.dc.end(st.sess)
	if err == nil {
		return nil
	}
	if st.ctx.Err() != nil {
		return apperr.Wrap(st.ctx.Err(), apperr.KindNetwork, "command cancelled")
	}
	if st.dc.isClosed() {
		return apperr.New(apperr.KindNetwork, "data channel closed")
	}
	return remoteError(err, st.cmd, st.stderr.String())
}

func remoteError(err error, cmd, stderr string) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitErr.ExitStatus())
		}
		e := apperr.Errorf(apperr.KindInternal, "remote command failed: %s", msg)
		return apperr.Attr(e, "exit_code", exitErr.ExitStatus())
	}
	return apperr.Wrapf(err, apperr.KindNetwork, "run %s", logutil.Truncate(logutil.SanitizeForLog(cmd), 60))
}

func (dc *DataChannel) isClosed() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.closed
}

// Close kills the active command, if any, and detaches the channel from its
// session. Safe to call more than once.
func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return nil
	}
	dc.closed = true
	sess := dc.current
	dc.current = nil
	dc.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	dc.parent.mu.Lock()
	delete(dc.parent.channels, dc)
	dc.parent.mu.Unlock()
	dc.parent.touch(dc.mgr.nowFn())
	return nil
}
