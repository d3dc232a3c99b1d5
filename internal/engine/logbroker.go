package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogLine is one line a function printed during an invocation.
type LogLine struct {
	Time         time.Time `json:"time"`
	InvocationID string    `json:"invocation_id"`
	SandboxID    string    `json:"sandbox_id"`
	Text         string    `json:"text"`
}

// LogBroker fans out function log lines to live subscribers, one topic per
// route. It is safe for concurrent use. Nothing is buffered for routes
// without subscribers.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan LogLine
	nextID int
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives log lines for the given route
// and an unsubscribe function. The channel is closed when the route's topic
// is closed.
func (b *LogBroker) Subscribe(route string) (<-chan LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[route]
	if !ok {
		t = &logTopic{subs: make(map[int]chan LogLine)}
		b.topics[route] = t
	}

	ch := make(chan LogLine, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[route] == t {
			delete(b.topics, route)
		}
	}
}

// Publish sends a log line to all subscribers of the given route.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(route string, line LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[route]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking execution.
		}
	}
}

// Subscribers returns the number of live subscribers for route.
func (b *LogBroker) Subscribers(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[route]; ok {
		return len(t.subs)
	}
	return 0
}

// Close ends the route's topic: every subscriber channel is closed. Later
// subscribers start a new topic.
func (b *LogBroker) Close(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[route]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, route)
}
