package sshmanager

import (
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/eventbus"
)

// maxEventsPerEndpoint limits the number of stored events per endpoint.
const maxEventsPerEndpoint = 100

// emit publishes an event on the bus and keeps a copy in the endpoint's ring
// buffer (last 100) for RecentEvents.
func (m *Manager) emit(endpointID uint, typ string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["endpoint_id"] = endpointID
	ev := m.bus.Publish(typ, fields)

	m.eventsMu.Lock()
	events := append(m.events[endpointID], ev)
	if len(events) > maxEventsPerEndpoint {
		events = events[len(events)-maxEventsPerEndpoint:]
	}
	m.events[endpointID] = events
	m.eventsMu.Unlock()

	m.logger.Debug("event", zap.String("type", typ), zap.Uint("endpoint", endpointID))
}

// RecentEvents returns the most recent n events for the endpoint, oldest
// first. n <= 0 returns everything kept.
func (m *Manager) RecentEvents(endpointID uint, n int) []eventbus.Event {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	events := m.events[endpointID]
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	result := make([]eventbus.Event, len(events))
	copy(result, events)
	return result
}
