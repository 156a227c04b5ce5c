package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a progress notification emitted during a session.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// SessionID is the associated session.
	SessionID string `json:"session_id,omitempty"`

	// Subject is the node id or edge key the event is about.
	Subject string `json:"subject,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSessionStarted   = "session.started"
	EventTypeSessionCompleted = "session.completed"
	EventTypeNodeState        = "node.state_changed"
	EventTypeNodePatched      = "node.patched"
	EventTypeEdgeState        = "edge.state_changed"
	EventTypeTeardown         = "sandbox.teardown"
	EventTypeDeploy           = "deploy.completed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil publisher drops
// everything. Synchronous publishers deliver in publication order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishNodeState publishes a node state transition.
func (ep *EventPublisher) PublishNodeState(sessionID, nodeID, from, to string) error {
	level := EventLevelInfo
	if to == "FAILED" {
		level = EventLevelError
	} else if to == "REJECTED" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeNodeState,
		SessionID: sessionID,
		Subject:   nodeID,
		Message:   fmt.Sprintf("%s: %s -> %s", nodeID, from, to),
		Level:     level,
		Data:      map[string]interface{}{"from": from, "to": to},
	})
}

// PublishNodePatched publishes an applied repair patch.
func (ep *EventPublisher) PublishNodePatched(sessionID, nodeID, patchID string, changes int) error {
	return ep.Publish(Event{
		Type:      EventTypeNodePatched,
		SessionID: sessionID,
		Subject:   nodeID,
		Message:   fmt.Sprintf("%s: applied patch %s (%d changes)", nodeID, patchID, changes),
		Data:      map[string]interface{}{"patch": patchID, "changes": changes},
	})
}

// PublishEdgeState publishes an edge state transition.
func (ep *EventPublisher) PublishEdgeState(sessionID, key, state string) error {
	level := EventLevelInfo
	if state == "FAILED" || state == "BLOCKED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypeEdgeState,
		SessionID: sessionID,
		Subject:   key,
		Message:   fmt.Sprintf("%s: %s", key, state),
		Level:     level,
		Data:      map[string]interface{}{"state": state},
	})
}

// PublishSession publishes a session lifecycle event.
func (ep *EventPublisher) PublishSession(eventType, sessionID, message string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Message:   message,
		Data:      data,
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains pending events and stops the background goroutine.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
