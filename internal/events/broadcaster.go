// Package events fans document store changes out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/docat/internal/metrics"
)

const (
	EventUpload  = "upload"
	EventTag     = "tag"
	EventHide    = "hide"
	EventShow    = "show"
	EventDelete  = "delete"
	EventRename  = "rename"
	EventClaim   = "claim"
	EventRebuild = "rebuild"
)

// subscriberBuffer is how many events a subscriber may lag before it
// starts missing them.
const subscriberBuffer = 64

// Event is one change to the document store or the index. Seq increases
// by one per published event and is used as the SSE id.
type Event struct {
	Seq       uint64 `json:"seq"`
	Type      string `json:"type"`
	Project   string `json:"project,omitempty"`
	Version   string `json:"version,omitempty"`
	Tag       string `json:"tag,omitempty"`
	NewName   string `json:"new_name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// concerns reports whether the event touches project. Events without a
// project (rebuilds) concern everyone, and a rename concerns both names.
func (e Event) concerns(project string) bool {
	return e.Project == "" || e.Project == project || e.NewName == project
}

// Subscription is one listener. C is closed on Unsubscribe.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	project string
	dropped atomic.Uint64
}

// Dropped returns how many events were skipped because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcaster publishes events to subscriptions without blocking.
type Broadcaster struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener. A non-empty project limits it to events
// about that project. The caller must Unsubscribe.
func (b *Broadcaster) Subscribe(project string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, project: project}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish stamps the event and hands it to every interested subscriber.
// Subscribers with a full buffer miss it.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.Lock()
	b.seq++
	event.Seq = b.seq
	for sub := range b.subs {
		if sub.project != "" && !event.concerns(sub.project) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	b.mu.Unlock()

	metrics.RecordSSEEvent(event.Type)
}

// Count returns the number of subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// MarshalEvent encodes an event for an SSE data line.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
