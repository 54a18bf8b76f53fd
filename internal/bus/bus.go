// Copyright 2025 The Gobby Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the in-process event fabric. Every hook dispatch, session
// transition, agent lifecycle change and workflow action is published here;
// the workflow engine, webhook dispatcher, sync projectors and websocket hub
// all consume from it.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names one kind of event on the bus.
type EventType string

// Hook-originated events, the closed set adapters may produce.
const (
	SessionStart        EventType = "session_start"
	SessionEnd          EventType = "session_end"
	BeforeAgent         EventType = "before_agent"
	AfterAgent          EventType = "after_agent"
	BeforeTool          EventType = "before_tool"
	AfterTool           EventType = "after_tool"
	PreCompact          EventType = "pre_compact"
	SubagentStart       EventType = "subagent_start"
	SubagentStop        EventType = "subagent_stop"
	Notification        EventType = "notification"
	BeforeToolSelection EventType = "before_tool_selection"
	BeforeModel         EventType = "before_model"
	AfterModel          EventType = "after_model"
	PermissionRequest   EventType = "permission_request"
	Stop                EventType = "stop"
)

// Daemon-originated events.
const (
	SessionStatusChanged EventType = "session_status_changed"
	WorkflowActivated    EventType = "workflow_activated"
	WorkflowTransition   EventType = "workflow_transition"
	WorkflowEnded        EventType = "workflow_ended"
	ApprovalRequested    EventType = "approval_requested"
	ApprovalResolved     EventType = "approval_resolved"
	AgentSpawned         EventType = "agent_spawned"
	AgentCompleted       EventType = "agent_completed"
	PipelineStarted      EventType = "pipeline_started"
	PipelineFinished     EventType = "pipeline_finished"
	TaskChanged          EventType = "task_changed"
	Overload             EventType = "overload"
)

// HookEventTypes is the closed set of adapter-producible event types.
var HookEventTypes = map[EventType]struct{}{
	SessionStart: {}, SessionEnd: {}, BeforeAgent: {}, AfterAgent: {},
	BeforeTool: {}, AfterTool: {}, PreCompact: {}, SubagentStart: {},
	SubagentStop: {}, Notification: {}, BeforeToolSelection: {},
	BeforeModel: {}, AfterModel: {}, PermissionRequest: {}, Stop: {},
}

// Event is one immutable occurrence. Payload must not be mutated after
// publish; subscribers share the same map.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// queueSize bounds each async subscriber. A slow consumer loses its oldest
// events rather than stalling publishers.
const queueSize = 256

// Handler is a synchronous subscriber. Handlers run inline on the publishing
// goroutine, in registration order, so they must be fast and must not publish
// recursively to the same type.
type Handler func(Event)

// Subscription is an async subscriber's receive side.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	types   map[EventType]struct{}
	dropped atomic.Uint64
	bus     *Bus

	// mu serializes send against close so a detach racing a publish can
	// never send on a closed channel.
	mu     sync.Mutex
	closed bool
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// send enqueues one event, shedding the oldest on a full queue. Every event
// that does not land in the queue counts as dropped, including the new one
// when the retries run out.
func (s *Subscription) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for attempt := 0; ; attempt++ {
		select {
		case s.ch <- e:
			return
		default:
		}
		if attempt == 2 {
			s.dropped.Add(1)
			return
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
			// A consumer drained the queue between attempts; retry the send.
		}
	}
}

// close marks the subscription dead and closes the channel, once.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans events out to synchronous handlers first, then async subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	subs     []*Subscription
	closed   bool
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// SubscribeFunc registers a synchronous handler for the given types. An empty
// type list means all events. Synchronous handlers observe events in exact
// publish order, which the workflow engine depends on.
func (b *Bus) SubscribeFunc(h Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.handlers[""] = append(b.handlers[""], h)
		return
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Subscribe registers an async subscriber with a bounded queue. When the
// queue is full the oldest event is discarded to admit the new one.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{ch: make(chan Event, queueSize), bus: b}
	sub.C = sub.ch
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers the event to all matching subscribers. Timestamp is filled
// when zero. Publish never blocks on a slow subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := append(append([]Handler(nil), b.handlers[""]...), b.handlers[e.Type]...)
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
	for _, sub := range subs {
		if sub.wants(e.Type) {
			sub.send(e)
		}
	}
}

// Close detaches all subscribers and closes their channels. Publish after
// Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}

func (b *Bus) unsubscribe(target *Subscription) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	// Outside the bus lock: a publisher holding the snapshot may be inside
	// send, which shares the subscription mutex with close.
	target.close()
}
