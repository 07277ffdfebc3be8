// Package sshterminal provides interactive terminal sessions over SSH connections.
//
// It wraps golang.org/x/crypto/ssh to create PTY-backed shell sessions with
// support for terminal resizing. The connection manager hands these out as
// interactive channels and the terminal WebSocket handler streams them.
package sshterminal

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/termctl/internal/apperr"
)

// AllowedShells is the set of shells permitted for interactive sessions.
// Any shell not in this list will be rejected by Open.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

const (
	DefaultShell = "/bin/bash"
	DefaultTerm  = "xterm-256color"
	DefaultCols  = 80
	DefaultRows  = 24
)

// MaxResizeCols and MaxResizeRows define upper bounds for terminal resize
// requests. Values beyond these are rejected.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// ValidateShell checks if the given shell command is in the AllowedShells
// whitelist. If the shell is empty (defaults to /bin/bash), it is accepted.
// "su" and "su - <user>" are allowed as long as they carry no shell
// metacharacters.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}
	if AllowedShells[shell] {
		return nil
	}

	if len(shell) >= 2 && shell[:2] == "su" {
		if len(shell) == 2 || shell[2] == ' ' || shell[2] == '\t' {
			for _, c := range shell {
				switch c {
				case ';', '&', '|', '$', '`', '(', ')', '{', '}', '<', '>', '\n', '\\', '"', '\'', '!':
					return fmt.Errorf("shell command %q contains forbidden character %q", shell, string(c))
				}
			}
			return nil
		}
	}

	return fmt.Errorf("shell %q is not in the allowed list", shell)
}

// TermOptions configures the PTY. Zero values take the defaults above.
type TermOptions struct {
	Term  string            `json:"term,omitempty"`
	Cols  uint16            `json:"cols,omitempty"`
	Rows  uint16            `json:"rows,omitempty"`
	Shell string            `json:"shell,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

func (o TermOptions) withDefaults() TermOptions {
	if o.Term == "" {
		o.Term = DefaultTerm
	}
	if o.Cols == 0 {
		o.Cols = DefaultCols
	}
	if o.Rows == 0 {
		o.Rows = DefaultRows
	}
	if o.Shell == "" {
		o.Shell = DefaultShell
	}
	return o
}

// TerminalSession wraps an SSH session with PTY support for interactive shell access.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
	Options TermOptions

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// Resize changes the terminal dimensions of the PTY.
func (ts *TerminalSession) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > MaxResizeCols || rows > MaxResizeRows {
		return apperr.Errorf(apperr.KindValidation, "terminal size %dx%d out of range", cols, rows)
	}
	return ts.Session.WindowChange(int(rows), int(cols))
}

// Wait blocks until the remote shell exits.
func (ts *TerminalSession) Wait() error {
	return ts.Session.Wait()
}

// Close terminates the SSH session and releases resources. Safe to call
// more than once.
func (ts *TerminalSession) Close() error {
	ts.closeOnce.Do(func() {
		ts.closeErr = ts.Session.Close()
		if ts.closeErr == io.EOF {
			ts.closeErr = nil
		}
		if ts.onClose != nil {
			ts.onClose()
		}
	})
	return ts.closeErr
}

// OnClose registers fn to run once when the session is closed.
func (ts *TerminalSession) OnClose(fn func()) {
	ts.onClose = fn
}

// Open opens a new SSH session with a PTY and starts the configured shell.
// The shell must pass ValidateShell; otherwise an error is returned to
// prevent command injection.
func Open(client *ssh.Client, opts TermOptions) (*TerminalSession, error) {
	if err := ValidateShell(opts.Shell); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "validate shell")
	}
	opts = opts.withDefaults()
	if opts.Cols > MaxResizeCols || opts.Rows > MaxResizeRows {
		return nil, apperr.Errorf(apperr.KindValidation, "terminal size %dx%d out of range", opts.Cols, opts.Rows)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	for k, v := range opts.Env {
		// Servers commonly refuse env requests (AcceptEnv); not fatal.
		_ = session.Setenv(k, v)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty(opts.Term, int(opts.Rows), int(opts.Cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start(opts.Shell); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell %q: %w", opts.Shell, err)
	}

	return &TerminalSession{
		Stdin:   stdin,
		Stdout:  stdout,
		Session: session,
		Options: opts,
	}, nil
}
