// Package sshtest runs an in-process SSH server for tests. It authenticates
// with a password or a public key and serves exec requests against an
// in-memory filesystem. It also serves PTY shells that echo their input.
//
// Supported exec commands:
//
//	cat 'path'          print a file (exit 1 when missing)
//	cat > 'path'        store stdin as a file
//	cat                 copy stdin to stdout
//	stat -c %s 'path'   print a file's size
//	echo args...        print args
//	env                 print variables set through env requests
//	sleep N             wait N seconds, or until a signal arrives
//	exit N              exit with status N
//	/bin/bash, su ...   interactive: report PTY state, then echo stdin
package sshtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/termctl/internal/sshkeys"
)

// FS is the server's in-memory filesystem.
type FS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (fs *FS) Get(path string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, ok := fs.files[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

func (fs *FS) Put(path string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path] = append([]byte(nil), data...)
}

type Option func(*Server)

// WithPassword accepts password auth with the given secret.
func WithPassword(pw string) Option {
	return func(s *Server) { s.password = pw }
}

// WithAuthorizedKey accepts public-key auth for key.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) { s.authorizedKey = key }
}

// WithExecDelay delays every exec request, simulating a slow host.
func WithExecDelay(d time.Duration) Option {
	return func(s *Server) { s.execDelay = d }
}

type Server struct {
	Addr string
	Host string
	Port int
	FS   *FS

	password      string
	authorizedKey ssh.PublicKey
	execDelay     time.Duration

	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	commands []string
	accepted int
	done     chan struct{}
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM, "")
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	s := &Server{
		FS:   &FS{files: map[string][]byte{}},
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	config := &ssh.ServerConfig{}
	if s.password != "" {
		config.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == s.password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if s.authorizedKey != nil {
		config.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(s.authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	host, portStr, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(portStr)

	go func() {
		defer close(s.done)
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, nc)
			s.mu.Unlock()
			go s.handleConn(nc, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

// DropConnections closes every open TCP connection, as a network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Commands returns every exec command received, in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Handshakes returns the number of authenticated connections served.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) handleConn(nc net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		nc.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()

	// keepalive@openssh.com and friends
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests, sshConn.User())
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request, user string) {
	defer ch.Close()

	var (
		env      []string
		hasPTY   bool
		killOnce sync.Once
	)
	killed := make(chan struct{})
	kill := func() { killOnce.Do(func() { close(killed) }) }
	defer kill()
	finished := make(chan struct{})

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			switch req.Type {
			case "env":
				var kv struct{ Name, Value string }
				if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
					env = append(env, kv.Name+"="+kv.Value)
				}
				reply(req, true)
			case "pty-req":
				hasPTY = true
				reply(req, true)
			case "window-change":
				if len(req.Payload) >= 8 {
					cols := binary.BigEndian.Uint32(req.Payload[0:4])
					rows := binary.BigEndian.Uint32(req.Payload[4:8])
					fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
				}
				reply(req, true)
			case "signal":
				kill()
				reply(req, true)
			case "exec":
				var p struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &p); err != nil {
					reply(req, false)
					continue
				}
				reply(req, true)
				s.mu.Lock()
				s.commands = append(s.commands, p.Command)
				s.mu.Unlock()
				envCopy := append([]string(nil), env...)
				pty := hasPTY
				go func() {
					defer close(finished)
					if s.execDelay > 0 {
						time.Sleep(s.execDelay)
					}
					s.exec(ch, p.Command, envCopy, user, pty, killed)
				}()
			case "shell":
				reply(req, true)
				fmt.Fprintf(ch, "PTY:%t\n", hasPTY)
				go echo(ch)
			default:
				reply(req, false)
			}
		case <-finished:
			return
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

func echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func exitStatus(ch ssh.Channel, code int) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(code))
	ch.SendRequest("exit-status", false, payload)
}

func isShell(cmd string) bool {
	switch cmd {
	case "/bin/bash", "/bin/sh", "/bin/zsh":
		return true
	}
	return cmd == "su" || strings.HasPrefix(cmd, "su ")
}

func (s *Server) exec(ch ssh.Channel, cmd string, env []string, user string, pty bool, killed <-chan struct{}) {
	fail := func(code int, msg string) {
		io.WriteString(ch.Stderr(), msg)
		exitStatus(ch, code)
	}

	switch {
	case isShell(cmd):
		fmt.Fprintf(ch, "PTY:%t\n", pty)
		echo(ch)
		exitStatus(ch, 0)

	case strings.HasPrefix(cmd, "cat > "):
		path := unquote(strings.TrimPrefix(cmd, "cat > "))
		data, err := io.ReadAll(ch)
		if err != nil {
			fail(1, fmt.Sprintf("read stdin: %v", err))
			return
		}
		s.FS.Put(path, data)
		exitStatus(ch, 0)

	case cmd == "cat":
		data, _ := io.ReadAll(ch)
		ch.Write(data)
		exitStatus(ch, 0)

	case strings.HasPrefix(cmd, "cat "):
		path := unquote(strings.TrimPrefix(cmd, "cat "))
		data, ok := s.FS.Get(path)
		if !ok {
			fail(1, fmt.Sprintf("cat: %s: No such file or directory\n", path))
			return
		}
		ch.Write(data)
		exitStatus(ch, 0)

	case strings.HasPrefix(cmd, "stat -c %s "):
		path := unquote(strings.TrimPrefix(cmd, "stat -c %s "))
		data, ok := s.FS.Get(path)
		if !ok {
			fail(1, fmt.Sprintf("stat: cannot statx '%s': No such file or directory\n", path))
			return
		}
		fmt.Fprintf(ch, "%d\n", len(data))
		exitStatus(ch, 0)

	case cmd == "echo" || strings.HasPrefix(cmd, "echo "):
		fmt.Fprintln(ch, strings.TrimSpace(strings.TrimPrefix(cmd, "echo")))
		exitStatus(ch, 0)

	case cmd == "env":
		sort.Strings(env)
		for _, kv := range env {
			fmt.Fprintln(ch, kv)
		}
		exitStatus(ch, 0)

	case cmd == "whoami":
		fmt.Fprintln(ch, user)
		exitStatus(ch, 0)

	case strings.HasPrefix(cmd, "sleep "):
		secs, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(cmd, "sleep ")), 64)
		if err != nil {
			fail(1, "sleep: invalid time interval\n")
			return
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			exitStatus(ch, 0)
		case <-killed:
			ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
				Signal     string
				CoreDumped bool
				Error      string
				Lang       string
			}{Signal: "KILL"}))
		}

	case strings.HasPrefix(cmd, "exit "):
		code, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cmd, "exit ")))
		fail(code, fmt.Sprintf("exit %d\n", code))

	default:
		fail(127, fmt.Sprintf("unknown command: %s\n", cmd))
	}
}

// unquote undoes single-quote shell quoting, including the '\'' escape.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "'") {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return s
	}
	var b strings.Builder
	for i := 1; i < len(s); {
		if s[i] == '\'' {
			if strings.HasPrefix(s[i:], `'\''`) {
				b.WriteByte('\'')
				i += 4
				continue
			}
			break
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
