package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/eventbus"
	"github.com/gluk-w/termctl/internal/logutil"
	"github.com/gluk-w/termctl/internal/metrics"
	"github.com/gluk-w/termctl/internal/policy"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshterminal"
)

// ExecOptions tune a single command run.
type ExecOptions struct {
	Input     string            // written to stdin, which is then closed
	Env       map[string]string // best effort; servers may refuse env requests
	PTY       bool
	Timeout   time.Duration // 0 uses the manager's CommandTimeout
	Sensitive bool          // mask the command in audit records and logs
}

type ExecResult struct {
	ExecutionID string          `json:"execution_id"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	ExitCode    int             `json:"exit_code"`
	Signal      string          `json:"signal,omitempty"`
	Duration    time.Duration   `json:"duration"`
	RiskLevel   string          `json:"risk_level"`
	Verdict     *policy.Verdict `json:"verdict,omitempty"`
}

// commandRisk is the coarse risk assigned to an executed command before the
// policy verdict is taken into account.
func commandRisk(command string) string {
	c := strings.ToLower(command)
	risk := sshaudit.RiskLow
	if strings.Contains(c, "sudo ") || strings.Contains(c, "su ") {
		risk = sshaudit.RiskMedium
	}
	for _, marker := range []string{"rm -rf", "mkfs", "format", "dd if="} {
		if strings.Contains(c, marker) {
			return sshaudit.RiskHigh
		}
	}
	return risk
}

// ExecuteCommand runs command on the session after the policy gate allows
// it. A blocked command never reaches the transport. Commands on one session
// run one at a time in the order they were issued.
func (m *Manager) ExecuteCommand(ctx context.Context, token, command string, opts ExecOptions) (*ExecResult, error) {
	s, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, apperr.New(apperr.KindValidation, "command is empty")
	}
	s.touch(m.nowFn())

	masked := logutil.MaskCommand(command, opts.Sensitive)
	verdict, err := m.policy.AuditCommand(ctx, command, policy.CheckContext{
		EndpointID:   s.EndpointID,
		SessionToken: s.Token,
		Actor:        s.Actor,
		Sensitive:    opts.Sensitive,
	})
	if err != nil {
		// Fail closed: nothing runs without an audit trail.
		return nil, apperr.Wrap(err, apperr.KindInternal, "command audit failed")
	}
	if !verdict.Allowed {
		m.metrics.ObserveCommand(metrics.CommandBlocked, 0)
		m.emit(s.EndpointID, eventbus.CommandBlocked, map[string]any{
			"token":        s.Token,
			"command":      masked,
			"risk_level":   verdict.RiskLevel,
			"execution_id": verdict.ExecutionID,
			"violations":   len(verdict.Violations),
		})
		err := apperr.Errorf(apperr.KindPolicyBlocked, "command blocked by security policy (risk %s)", verdict.RiskLevel)
		err = apperr.Attr(err, "risk_level", verdict.RiskLevel)
		err = apperr.Attr(err, "violations", verdict.Violations)
		return &ExecResult{ExecutionID: verdict.ExecutionID, ExitCode: -1, RiskLevel: verdict.RiskLevel, Verdict: verdict}, err
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}

	start := m.nowFn()
	res, runErr := m.run(ctx, s, command, opts, timeout)
	res.ExecutionID = verdict.ExecutionID
	res.Verdict = verdict
	res.Duration = m.nowFn().Sub(start)
	res.RiskLevel = sshaudit.MaxRisk(commandRisk(command), verdict.RiskLevel)
	s.touch(m.nowFn())
	s.mu.Lock()
	s.commands++
	s.mu.Unlock()

	status, result, outcome, typ := sshaudit.StatusSuccess, fmt.Sprintf("exit %d", res.ExitCode), metrics.CommandExecuted, eventbus.CommandExecuted
	switch {
	case apperr.IsKind(runErr, apperr.KindTimeout):
		status, result, outcome, typ = sshaudit.StatusFailed, "timeout", metrics.CommandTimeout, eventbus.CommandTimeout
	case runErr != nil:
		status, result, outcome = sshaudit.StatusFailed, runErr.Error(), metrics.CommandFailed
	case res.ExitCode != 0:
		status = sshaudit.StatusFailed
	}
	m.metrics.ObserveCommand(outcome, res.Duration)
	m.record(ctx, sshaudit.Event{
		Actor:        s.Actor,
		EndpointID:   s.EndpointID,
		SessionToken: s.Token,
		Category:     sshaudit.CategorySSH,
		Action:       sshaudit.ActionCommandExecution,
		Command:      masked,
		Result:       result,
		Status:       status,
		RiskLevel:    res.RiskLevel,
		Metadata: map[string]any{
			"execution_id": res.ExecutionID,
			"exit_code":    res.ExitCode,
			"signal":       res.Signal,
			"stdout_bytes": len(res.Stdout),
			"stderr_bytes": len(res.Stderr),
		},
		Duration: res.Duration,
	})
	m.emit(s.EndpointID, typ, map[string]any{
		"token":        s.Token,
		"command":      masked,
		"exit_code":    res.ExitCode,
		"risk_level":   res.RiskLevel,
		"execution_id": res.ExecutionID,
		"duration":     res.Duration.Seconds(),
	})
	if res.Duration > 500*time.Millisecond {
		m.logger.Debug("slow command",
			zap.Duration("elapsed", res.Duration),
			zap.String("command", logutil.Truncate(logutil.SanitizeForLog(masked), 80)))
	}
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// run executes one command on a fresh channel. The remote process gets
// SIGKILL when the timeout, ctx or the session ends first.
func (m *Manager) run(ctx context.Context, s *Session, command string, opts ExecOptions, timeout time.Duration) (*ExecResult, error) {
	res := &ExecResult{ExitCode: -1}

	sess, err := openSession(s.ctx, s.client, m.cfg.ChannelOpenTimeout)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	for k, v := range opts.Env {
		_ = sess.Setenv(k, v)
	}
	if opts.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := sess.RequestPty(sshterminal.DefaultTerm, sshterminal.DefaultRows, sshterminal.DefaultCols, modes); err != nil {
			return res, apperr.Wrap(err, apperr.KindNetwork, "request pty")
		}
	}

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf
	if opts.Input != "" {
		sess.Stdin = strings.NewReader(opts.Input)
	}

	if err := sess.Start(command); err != nil {
		return res, apperr.Wrap(err, apperr.KindNetwork, "start command")
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		waitErr = m.abort(sess, done)
		if waitErr == nil {
			res.Stdout, res.Stderr = outBuf.String(), errBuf.String()
		}
		res.Signal = string(ssh.SIGKILL)
		return res, apperr.Errorf(apperr.KindTimeout, "command timed out after %s", timeout)
	case <-ctx.Done():
		m.abort(sess, done)
		return res, apperr.Wrap(ctx.Err(), apperr.KindTimeout, "command cancelled")
	case <-s.ctx.Done():
		m.abort(sess, done)
		return res, apperr.New(apperr.KindNetwork, "session closed while command was running")
	}

	res.Stdout, res.Stderr = outBuf.String(), errBuf.String()
	if waitErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		res.Signal = exitErr.Signal()
		return res, nil
	}
	return res, apperr.Wrap(waitErr, apperr.KindNetwork, "command transport failed")
}

// abort kills the remote process and waits briefly for Wait to return. A
// nil result means the output buffers are no longer being written.
func (m *Manager) abort(sess *ssh.Session, done <-chan error) error {
	if err := sess.Signal(ssh.SIGKILL); err != nil {
		m.logger.Debug("signal failed", zap.Error(err))
	}
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
	}
	sess.Close()
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("command did not stop")
	}
}

// openSession opens a channel on client, bounded by timeout and ctx.
func openSession(ctx context.Context, client *ssh.Client, timeout time.Duration) (*ssh.Session, error) {
	type result struct {
		sess *ssh.Session
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := client.NewSession()
		ch <- result{sess, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A session that arrives after we gave up is closed.
	abandon := func() {
		go func() {
			if r := <-ch; r.sess != nil {
				r.sess.Close()
			}
		}()
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, apperr.Wrap(r.err, apperr.KindNetwork, "open ssh channel")
		}
		return r.sess, nil
	case <-timer.C:
		abandon()
		return nil, apperr.Errorf(apperr.KindTimeout, "open ssh channel timed out after %s", timeout)
	case <-ctx.Done():
		abandon()
		return nil, apperr.Wrap(ctx.Err(), apperr.KindNetwork, "session closed")
	}
}

// CreateInteractiveChannel opens a PTY shell on the session. The returned
// terminal is closed automatically when the session goes away.
func (m *Manager) CreateInteractiveChannel(ctx context.Context, token string, opts sshterminal.TermOptions) (*sshterminal.TerminalSession, error) {
	s, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	s.touch(m.nowFn())

	ts, err := sshterminal.Open(s.client, opts)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Wrap(err, apperr.KindNetwork, "open interactive channel")
		}
		return nil, err
	}

	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		ts.Close()
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	s.terminals[ts] = struct{}{}
	s.mu.Unlock()
	ts.OnClose(func() {
		s.mu.Lock()
		delete(s.terminals, ts)
		s.mu.Unlock()
		s.touch(m.nowFn())
	})

	m.record(ctx, sshaudit.Event{
		Actor:        s.Actor,
		EndpointID:   s.EndpointID,
		SessionToken: s.Token,
		Category:     sshaudit.CategorySSH,
		Action:       sshaudit.ActionShellCreated,
		Resource:     ts.Options.Shell,
		Result:       fmt.Sprintf("%s %dx%d", ts.Options.Term, ts.Options.Cols, ts.Options.Rows),
		Status:       sshaudit.StatusSuccess,
		RiskLevel:    sshaudit.RiskLow,
	})
	m.logger.Info("interactive channel opened",
		zap.Uint("endpoint", s.EndpointID),
		zap.String("shell", ts.Options.Shell))
	return ts, nil
}
