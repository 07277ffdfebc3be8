package sshterminal

import (
	"sync"
	"time"
)

const (
	// MaxInputMessageSize caps one keystroke frame from the client.
	MaxInputMessageSize = 64 * 1024

	// Sustained frames per second and burst allowed from one client.
	MessageRateLimit = 100
	MessageRateBurst = 200
)

// Drop reasons reported by InputGuard.
const (
	DropNone     = ""
	DropOversize = "oversize"
	DropRate     = "rate"
)

// InputGuard filters frames arriving from an interactive client: frames over
// MaxInputMessageSize are refused and the rest pass through a token bucket.
// It is safe for concurrent use.
type InputGuard struct {
	mu        sync.Mutex
	tokens    float64
	burst     float64
	perSecond float64
	last      time.Time
	dropped   map[string]int
	nowFn     func() time.Time
}

// NewInputGuard allows perSecond frames sustained with the given burst.
func NewInputGuard(perSecond float64, burst int) *InputGuard {
	now := time.Now()
	return &InputGuard{
		tokens:    float64(burst),
		burst:     float64(burst),
		perSecond: perSecond,
		last:      now,
		dropped:   map[string]int{},
		nowFn:     time.Now,
	}
}

// Admit reports why a frame of n bytes must be dropped, or DropNone when it
// may go through. Oversized frames do not consume a token.
func (g *InputGuard) Admit(n int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n > MaxInputMessageSize {
		g.dropped[DropOversize]++
		return DropOversize
	}

	now := g.nowFn()
	g.tokens = min(g.burst, g.tokens+now.Sub(g.last).Seconds()*g.perSecond)
	g.last = now
	if g.tokens < 1 {
		g.dropped[DropRate]++
		return DropRate
	}
	g.tokens--
	return DropNone
}

// Dropped returns how many frames were refused for reason.
func (g *InputGuard) Dropped(reason string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped[reason]
}
