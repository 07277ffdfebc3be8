package sshmanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/auth"
	"github.com/gluk-w/termctl/internal/config"
	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/eventbus"
	"github.com/gluk-w/termctl/internal/logutil"
	"github.com/gluk-w/termctl/internal/metrics"
	"github.com/gluk-w/termctl/internal/policy"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshkeys"
	"github.com/gluk-w/termctl/internal/sshterminal"
)

// HostRegistry supplies endpoint metadata and receives status write-backs.
type HostRegistry interface {
	Endpoint(ctx context.Context, id uint) (*database.Endpoint, error)
	UpdateStatus(ctx context.Context, id uint, status string, at time.Time) error
}

// AuthProvider resolves the credentials for an endpoint.
type AuthProvider interface {
	Resolve(ctx context.Context, endpointID uint) (*auth.Material, error)
}

// Gate decides whether a command may run and records the decision.
type Gate interface {
	AuditCommand(ctx context.Context, command string, cc policy.CheckContext) (*policy.Verdict, error)
}

// Session statuses.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusLost         = "lost"
)

// Disconnect reasons recorded by the manager itself.
const (
	ReasonUser      = "user"
	ReasonTimeout   = "timeout"
	ReasonShutdown  = "shutdown"
	ReasonKeepalive = "keepalive failed"
	ReasonLost      = "connection lost"
)

type Config struct {
	MaxConnections     int // 0 or less means unlimited
	ConnectTimeout     time.Duration
	KeepaliveInterval  time.Duration // 0 disables the keepalive loop
	CommandTimeout     time.Duration
	ChannelOpenTimeout time.Duration
	IdleTimeout        time.Duration
	IdleSweepInterval  time.Duration // 0 disables the idle sweep loop

	SessionRecordTTL           time.Duration
	SessionRecordRetentionDays int

	RateLimit RateLimitConfig

	// HostKeyCallback verifies server host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:             100,
		ConnectTimeout:             30 * time.Second,
		KeepaliveInterval:          30 * time.Second,
		CommandTimeout:             5 * time.Minute,
		ChannelOpenTimeout:         10 * time.Second,
		IdleTimeout:                30 * time.Minute,
		IdleSweepInterval:          60 * time.Second,
		SessionRecordTTL:           60 * time.Minute,
		SessionRecordRetentionDays: 30,
		RateLimit:                  DefaultRateLimitConfig(),
	}
}

// ConfigFromSettings maps the environment settings onto a Config.
func ConfigFromSettings(s config.Settings) Config {
	c := DefaultConfig()
	c.MaxConnections = s.MaxConnections
	c.ConnectTimeout = s.ConnectTimeout
	c.KeepaliveInterval = s.KeepaliveInterval
	c.CommandTimeout = s.CommandTimeout
	c.IdleTimeout = s.IdleTimeout
	c.IdleSweepInterval = s.IdleSweepInterval
	c.SessionRecordTTL = s.SessionRecordTTL
	c.SessionRecordRetentionDays = s.SessionRecordRetentionDays
	return c
}

// Deps are the collaborators of a Manager. Hosts and Policy are required.
type Deps struct {
	Hosts   HostRegistry
	Auth    AuthProvider
	Policy  Gate
	Audit   sshaudit.Sink
	DB      *gorm.DB // session records; optional
	Bus     *eventbus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Session is a live authenticated connection to one endpoint. Its transport
// is owned exclusively by the session.
type Session struct {
	Token       string
	EndpointID  uint
	Endpoint    string // endpoint name
	Address     string
	Actor       sshaudit.Actor
	ConnectedAt time.Time

	client *ssh.Client
	ctx    context.Context
	cancel context.CancelFunc
	// cmdMu serializes command execution in issue order.
	cmdMu sync.Mutex

	mu           sync.Mutex
	status       string
	reason       string
	lastActivity time.Time
	commands     int
	channels     map[*DataChannel]struct{}
	terminals    map[*sshterminal.TerminalSession]struct{}
	recordID     uint
}

// SessionInfo is a point-in-time view of a Session.
type SessionInfo struct {
	Token        string    `json:"token"`
	EndpointID   uint      `json:"endpoint_id"`
	Endpoint     string    `json:"endpoint"`
	Address      string    `json:"address"`
	Username     string    `json:"username,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	Status       string    `json:"status"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Commands     int       `json:"commands"`
	DataChannels int       `json:"data_channels"`
	Terminals    int       `json:"terminals"`
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Token:        s.Token,
		EndpointID:   s.EndpointID,
		Endpoint:     s.Endpoint,
		Address:      s.Address,
		Username:     s.Actor.Username,
		SourceIP:     s.Actor.SourceIP,
		Status:       s.status,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
		Commands:     s.commands,
		DataChannels: len(s.channels),
		Terminals:    len(s.terminals),
	}
}

// Status returns connected, disconnected or lost.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels) > 0 || len(s.terminals) > 0
}

// Manager owns the session pool. Capacity is reserved under mu before any
// dial starts, so the pool never exceeds MaxConnections.
type Manager struct {
	cfg     Config
	hosts   HostRegistry
	auth    AuthProvider
	policy  Gate
	audit   sshaudit.Sink
	db      *gorm.DB
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	limiter *RateLimiter
	states  *StateTracker

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int

	eventsMu sync.RWMutex
	events   map[uint][]eventbus.Event

	nowFn func() time.Time

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
	closeOnce  sync.Once
}

// New builds a Manager and starts its keepalive and idle sweep loops when
// their intervals are positive. Close stops them.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Hosts == nil {
		return nil, apperr.New(apperr.KindValidation, "sshmanager: host registry is required")
	}
	if deps.Policy == nil {
		return nil, apperr.New(apperr.KindValidation, "sshmanager: policy gate is required")
	}
	if deps.Audit == nil {
		deps.Audit = sshaudit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if cfg.RateLimit.MaxAttemptsPerMinute <= 0 {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ChannelOpenTimeout <= 0 {
		cfg.ChannelOpenTimeout = def.ChannelOpenTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	logger := deps.Logger.Named("ssh")
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		hosts:      deps.Hosts,
		auth:       deps.Auth,
		policy:     deps.Policy,
		audit:      deps.Audit,
		db:         deps.DB,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     logger,
		limiter:    NewRateLimiter(cfg.RateLimit, logger),
		states:     NewStateTracker(),
		sessions:   make(map[string]*Session),
		events:     make(map[uint][]eventbus.Event),
		nowFn:      time.Now,
		loopCtx:    ctx,
		loopCancel: cancel,
	}
	if cfg.KeepaliveInterval > 0 {
		m.loopWg.Add(1)
		go m.keepaliveLoop()
	}
	if cfg.IdleSweepInterval > 0 {
		m.loopWg.Add(1)
		go m.sweepLoop()
	}
	return m, nil
}

// Close stops the background loops and disconnects every session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.loopCancel()
		m.loopWg.Wait()
		m.DisconnectAll(context.Background(), ReasonShutdown)
	})
}

// SetNowFunc sets the clock function used for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
	m.limiter.nowFn = fn
	m.states.nowFn = fn
}

// RateLimiter exposes the connection limiter for status queries and resets.
func (m *Manager) RateLimiter() *RateLimiter { return m.limiter }

// EndpointState returns the last status the manager wrote for the endpoint.
func (m *Manager) EndpointState(endpointID uint) EndpointState {
	return m.states.State(endpointID)
}

// EndpointTransitions returns the endpoint's recorded status changes.
func (m *Manager) EndpointTransitions(endpointID uint) []StateTransition {
	return m.states.Transitions(endpointID)
}

// OnEndpointStateChange registers cb for endpoint status changes.
func (m *Manager) OnEndpointStateChange(cb StateCallback) {
	m.states.OnStateChange(cb)
}

func (m *Manager) setEndpointState(ctx context.Context, endpointID uint, state EndpointState, reason string) {
	m.states.SetState(endpointID, state, reason)
	if err := m.hosts.UpdateStatus(ctx, endpointID, string(state), m.nowFn()); err != nil {
		m.logger.Warn("update endpoint status failed",
			zap.Uint("endpoint", endpointID), zap.String("status", string(state)), zap.Error(err))
	}
}

func (m *Manager) record(ctx context.Context, ev sshaudit.Event) {
	if _, err := m.audit.Log(ctx, ev); err != nil {
		m.logger.Error("audit write failed", zap.String("action", ev.Action), zap.Error(err))
	}
}

// reserve claims one pool slot. Must be paired with release or promote.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxConnections > 0 && len(m.sessions)+m.pending >= m.cfg.MaxConnections {
		return apperr.Errorf(apperr.KindResourceExhausted,
			"maximum connections (%d) reached", m.cfg.MaxConnections)
	}
	m.pending++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

// promote turns a reservation into a registered session under a fresh token.
func (m *Manager) promote(s *Session) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attempt := 0; attempt < 3; attempt++ {
		token, err := newToken()
		if err != nil {
			return 0, err
		}
		if _, taken := m.sessions[token]; taken {
			continue
		}
		s.Token = token
		m.pending--
		m.sessions[token] = s
		return len(m.sessions), nil
	}
	return 0, apperr.New(apperr.KindInternal, "could not allocate a unique session token")
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "generate session token")
	}
	return hex.EncodeToString(b), nil
}

// Connect authenticates to the endpoint and registers a new session. A nil
// material is resolved through the auth provider.
func (m *Manager) Connect(ctx context.Context, endpointID uint, material *auth.Material, actor sshaudit.Actor) (*Session, error) {
	start := m.nowFn()
	var addr string

	// reject audits a connect that failed before or after dialing. The
	// limiter and endpoint state are only touched once the attempt counts.
	reject := func(err error, outcome string) (*Session, error) {
		m.metrics.ObserveConnect(outcome)
		m.record(ctx, sshaudit.Event{
			Actor:      actor,
			EndpointID: endpointID,
			Category:   sshaudit.CategorySSH,
			Action:     sshaudit.ActionConnectFailed,
			Resource:   addr,
			Result:     err.Error(),
			Status:     sshaudit.StatusFailed,
			RiskLevel:  sshaudit.RiskMedium,
			Metadata:   map[string]any{"kind": apperr.KindOf(err).String()},
			Duration:   m.nowFn().Sub(start),
		})
		return nil, err
	}

	ep, err := m.hosts.Endpoint(ctx, endpointID)
	if err != nil {
		return reject(err, metrics.ConnectRejected)
	}
	addr = net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))

	if err := m.limiter.Allow(endpointID); err != nil {
		return reject(err, metrics.ConnectRejected)
	}
	if err := m.reserve(); err != nil {
		m.logger.Warn("connection pool exhausted", zap.Uint("endpoint", endpointID), zap.Int("max", m.cfg.MaxConnections))
		return reject(err, metrics.ConnectRejected)
	}
	reserved := true
	defer func() {
		if reserved {
			m.release()
		}
	}()

	fail := func(err error) (*Session, error) {
		m.limiter.RecordFailure(endpointID)
		if len(m.HostConnections(endpointID)) == 0 {
			m.setEndpointState(context.Background(), endpointID, StateError, err.Error())
		}
		m.logger.Warn("connect failed",
			zap.Uint("endpoint", endpointID),
			zap.String("addr", logutil.SanitizeForLog(addr)),
			zap.Error(err))
		return reject(err, metrics.ConnectFailed)
	}

	if material == nil {
		if m.auth == nil {
			return fail(apperr.Errorf(apperr.KindAuthentication, "no credentials for endpoint %d", endpointID))
		}
		if material, err = m.auth.Resolve(ctx, endpointID); err != nil {
			return fail(err)
		}
	}
	if err := material.Validate(); err != nil {
		return fail(err)
	}

	m.setEndpointState(ctx, endpointID, StateConnecting, "")
	client, err := m.dial(ctx, ep, addr, material)
	if err != nil {
		return fail(err)
	}
	m.limiter.RecordSuccess(endpointID)

	now := m.nowFn()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		EndpointID:   endpointID,
		Endpoint:     ep.Name,
		Address:      addr,
		Actor:        actor,
		ConnectedAt:  now,
		client:       client,
		ctx:          sctx,
		cancel:       cancel,
		status:       StatusConnected,
		lastActivity: now,
		channels:     make(map[*DataChannel]struct{}),
		terminals:    make(map[*sshterminal.TerminalSession]struct{}),
	}
	n, err := m.promote(s)
	if err != nil {
		cancel()
		client.Close()
		return fail(err)
	}
	reserved = false

	m.setEndpointState(ctx, endpointID, StateConnected, "")
	m.persistSession(ctx, s)
	go m.watch(s)

	m.metrics.ObserveConnect(metrics.ConnectSuccess)
	m.metrics.SetSessions(n)
	m.record(ctx, sshaudit.Event{
		Actor:        actor,
		EndpointID:   endpointID,
		SessionToken: s.Token,
		Category:     sshaudit.CategorySSH,
		Action:       sshaudit.ActionConnect,
		Resource:     addr,
		Result:       "connected",
		Status:       sshaudit.StatusSuccess,
		RiskLevel:    sshaudit.RiskLow,
		Metadata:     map[string]any{"auth_type": material.Type, "username": ep.Username},
		Duration:     now.Sub(start),
	})
	m.emit(endpointID, eventbus.SessionConnected, map[string]any{
		"token":    s.Token,
		"endpoint": ep.Name,
		"address":  addr,
	})
	m.logger.Info("connected",
		zap.Uint("endpoint", endpointID),
		zap.String("name", logutil.SanitizeForLog(ep.Name)),
		zap.String("addr", logutil.SanitizeForLog(addr)),
		zap.Int("active", n))
	return s, nil
}

func authMethod(m *auth.Material) (ssh.AuthMethod, error) {
	switch m.Type {
	case auth.TypePassword:
		return ssh.Password(m.Secret), nil
	case auth.TypeKey:
		signer, err := sshkeys.ParsePrivateKey([]byte(m.Secret), m.Passphrase)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindAuthentication, "parse private key")
		}
		return ssh.PublicKeys(signer), nil
	}
	return nil, apperr.Errorf(apperr.KindValidation, "unsupported auth type %q", m.Type)
}

func (m *Manager) dial(ctx context.Context, ep *database.Endpoint, addr string, material *auth.Material) (*ssh.Client, error) {
	method, err := authMethod(material)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: m.cfg.HostKeyCallback,
		Timeout:         m.cfg.ConnectTimeout,
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err, addr)
	}
	// NewClientConn has no context; bound the handshake with a deadline.
	if deadline, ok := dctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, classifyDialError(err, addr)
	}
	netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classifyDialError maps a dial or handshake failure onto the error taxonomy.
func classifyDialError(err error, addr string) error {
	var netErr net.Error
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		return apperr.Wrapf(err, apperr.KindAuthentication, "authentication to %s failed", addr)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return apperr.Wrapf(err, apperr.KindTimeout, "connect to %s timed out", addr)
	default:
		return apperr.Wrapf(err, apperr.KindNetwork, "connect to %s", addr)
	}
}

// watch detects transport loss: Wait returns once the connection is gone.
func (m *Manager) watch(s *Session) {
	s.client.Wait()
	if m.take(s.Token) != nil {
		m.teardown(context.Background(), s, StatusLost, ReasonLost)
	}
}

// take removes the session from the pool. Only the caller that gets a
// non-nil result runs teardown, which keeps cleanup single-shot.
func (m *Manager) take(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil
	}
	delete(m.sessions, token)
	return s
}

func (m *Manager) lookup(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	return s, nil
}

// Get returns a view of the live session with the given token.
func (m *Manager) Get(token string) (SessionInfo, error) {
	s, err := m.lookup(token)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Info(), nil
}

// Touch marks the session active, postponing idle eviction.
func (m *Manager) Touch(token string) error {
	s, err := m.lookup(token)
	if err != nil {
		return err
	}
	s.touch(m.nowFn())
	return nil
}

// Disconnect closes the session. Only the first call for a token does the
// work; later calls return NotFound.
func (m *Manager) Disconnect(ctx context.Context, token, reason string) error {
	s := m.take(token)
	if s == nil {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	if reason == "" {
		reason = ReasonUser
	}
	m.teardown(ctx, s, StatusDisconnected, reason)
	return nil
}

// teardown runs once per session, after take removed it from the pool.
func (m *Manager) teardown(ctx context.Context, s *Session, status, reason string) {
	now := m.nowFn()

	s.mu.Lock()
	s.status = status
	s.reason = reason
	channels := make([]*DataChannel, 0, len(s.channels))
	for dc := range s.channels {
		channels = append(channels, dc)
	}
	terminals := make([]*sshterminal.TerminalSession, 0, len(s.terminals))
	for ts := range s.terminals {
		terminals = append(terminals, ts)
	}
	s.mu.Unlock()

	s.cancel()
	for _, dc := range channels {
		dc.Close()
	}
	for _, ts := range terminals {
		ts.Close()
	}
	s.client.Close()

	if len(m.HostConnections(s.EndpointID)) == 0 {
		m.setEndpointState(context.Background(), s.EndpointID, StateDisconnected, reason)
	}
	m.endSessionRecord(s, status, reason, now)

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)
	m.metrics.ObserveDisconnect(reason)

	duration := now.Sub(s.ConnectedAt)
	ev := sshaudit.Event{
		Actor:        s.Actor,
		EndpointID:   s.EndpointID,
		SessionToken: s.Token,
		Category:     sshaudit.CategorySSH,
		Action:       sshaudit.ActionDisconnect,
		Resource:     s.Address,
		Result:       reason,
		Status:       sshaudit.StatusSuccess,
		RiskLevel:    sshaudit.RiskLow,
		Metadata:     map[string]any{"reason": reason, "duration_seconds": int64(duration.Seconds())},
		Duration:     duration,
	}
	typ := eventbus.SessionDisconnected
	if status == StatusLost {
		ev.Action = sshaudit.ActionConnectionLost
		ev.Status = sshaudit.StatusWarning
		ev.RiskLevel = sshaudit.RiskHigh
		typ = eventbus.SessionLost
		m.logger.Warn("connection lost", zap.Uint("endpoint", s.EndpointID), zap.String("reason", reason))
	} else {
		m.logger.Info("disconnected",
			zap.Uint("endpoint", s.EndpointID), zap.String("reason", reason), zap.Duration("duration", duration))
	}
	m.record(ctx, ev)
	m.emit(s.EndpointID, typ, map[string]any{
		"token":    s.Token,
		"reason":   reason,
		"duration": duration.Seconds(),
	})
}

// DisconnectHost closes every session to the endpoint and returns how many
// were closed.
func (m *Manager) DisconnectHost(ctx context.Context, endpointID uint, reason string) int {
	n := 0
	for _, info := range m.HostConnections(endpointID) {
		if m.Disconnect(ctx, info.Token, reason) == nil {
			n++
		}
	}
	return n
}

// DisconnectAll closes every session and returns how many were closed.
func (m *Manager) DisconnectAll(ctx context.Context, reason string) int {
	n := 0
	for _, info := range m.ActiveConnections() {
		if m.Disconnect(ctx, info.Token, reason) == nil {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("closed all sessions", zap.Int("count", n), zap.String("reason", reason))
	}
	return n
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveConnections lists live sessions, oldest first.
func (m *Manager) ActiveConnections() []SessionInfo {
	sessions := m.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// HostConnections lists live sessions to one endpoint, oldest first.
func (m *Manager) HostConnections(endpointID uint) []SessionInfo {
	var out []SessionInfo
	for _, info := range m.ActiveConnections() {
		if info.EndpointID == endpointID {
			out = append(out, info)
		}
	}
	return out
}

type Stats struct {
	Total        int          `json:"total"`
	Max          int          `json:"max"`
	Pending      int          `json:"pending"`
	ByEndpoint   map[uint]int `json:"by_endpoint"`
	Oldest       *time.Time   `json:"oldest_connected_at,omitempty"`
	TotalUptime  float64      `json:"total_uptime_seconds"`
	DataChannels int          `json:"data_channels"`
	Terminals    int          `json:"terminals"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()

	now := m.nowFn()
	st := Stats{Max: m.cfg.MaxConnections, Pending: pending, ByEndpoint: map[uint]int{}}
	for _, info := range m.ActiveConnections() {
		st.Total++
		st.ByEndpoint[info.EndpointID]++
		st.TotalUptime += now.Sub(info.ConnectedAt).Seconds()
		st.DataChannels += info.DataChannels
		st.Terminals += info.Terminals
		if st.Oldest == nil {
			t := info.ConnectedAt
			st.Oldest = &t
		}
	}
	return st
}

// String helps when a session ends up in a log line; the token is masked.
func (s *Session) String() string {
	tok := s.Token
	if len(tok) > 8 {
		tok = tok[:8] + "..."
	}
	return fmt.Sprintf("session %s endpoint=%d", tok, s.EndpointID)
}
