package sshaudit

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

var riskRank = map[string]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// RiskRank orders risk levels; unknown levels rank 0.
func RiskRank(level string) int {
	return riskRank[level]
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b string) string {
	if RiskRank(b) > RiskRank(a) {
		return b
	}
	return a
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(context.Context, Event) (uint, error) { return 0, nil }

// Memory keeps events in a slice. Useful when a component is exercised
// without a database.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Log(_ context.Context, ev Event) (uint, error) {
	if err := validate.Struct(ev); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return uint(len(m.events)), nil
}

// Events returns a copy of everything logged so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByAction returns the logged events with the given action.
func (m *Memory) ByAction(action string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

type actorKey struct{}

// WithActor attaches the acting user to ctx so components that only see a
// context (rule CRUD, for one) can attribute their audit events.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored by WithActor, or the zero Actor.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}
