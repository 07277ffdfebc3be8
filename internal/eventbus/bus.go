// Package eventbus fans out session, command and transfer events to any
// number of subscribers. Publishers never block: a subscriber whose buffer is
// full misses the event and the drop is counted.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types published by the connection manager and the transfer engine.
const (
	SessionConnected    = "session.connected"
	SessionDisconnected = "session.disconnected"
	SessionLost         = "session.lost"

	CommandExecuted = "command.executed"
	CommandBlocked  = "command.blocked"
	CommandTimeout  = "command.timeout"

	TransferStarted   = "transfer.started"
	TransferProgress  = "transfer.progress"
	TransferPaused    = "transfer.paused"
	TransferResumed   = "transfer.resumed"
	TransferCompleted = "transfer.completed"
	TransferFailed    = "transfer.failed"
	TransferCancelled = "transfer.cancelled"
)

// DefaultBuffer is the channel capacity used when Subscribe is given zero.
const DefaultBuffer = 64

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if typ == p || (strings.HasSuffix(p, ".") && strings.HasPrefix(typ, p)) {
			return true
		}
	}
	return false
}

// Bus is safe for concurrent use. A nil *Bus discards everything, so
// components can be built without one.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	dropped atomic.Uint64
	logger  *zap.Logger
	nowFn   func() time.Time
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.Named("events"),
		nowFn:  time.Now,
	}
}

// Publish stamps and delivers an event to every interested subscriber.
func (b *Bus) Publish(typ string, fields map[string]any) Event {
	ev := Event{ID: uuid.NewString(), Type: typ, Fields: fields}
	if b == nil {
		ev.Timestamp = time.Now()
		return ev
	}
	ev.Timestamp = b.nowFn()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		if !s.wants(typ) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			n := b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped",
				zap.String("subscriber", id), zap.String("type", typ), zap.Uint64("total_dropped", n))
		}
	}
	return ev
}

// Subscribe registers a buffered subscriber. With no types every event is
// delivered; a type ending in "." matches a whole family ("transfer.").
// The returned cancel func closes the channel and is safe to call twice.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: types}
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// SetNowFunc sets the clock function used for testing.
func (b *Bus) SetNowFunc(fn func() time.Time) {
	b.nowFn = fn
}
