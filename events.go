// Copyright 2024 The Relaygate Authors
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

package relaygate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind names the lifecycle events the EventBus carries (spec.md §5).
type EventKind string

const (
	EventListenerBound   EventKind = "ListenerBound"
	EventListenerStopped EventKind = "ListenerStopped"
	EventConfigApplied   EventKind = "ConfigApplied"
	EventPortFailed      EventKind = "PortFailed"
	EventCertIssued      EventKind = "CertificateIssued"
	EventSessionOpened   EventKind = "SessionOpened"
	EventSessionClosed   EventKind = "SessionClosed"
	EventSessionFailed   EventKind = "SessionFailed"
	EventAcceptStalled   EventKind = "AcceptStalled"
	EventError           EventKind = "Error"
)

// Event is one item broadcast on the EventBus. Fields besides Kind and
// Time are populated ad hoc in Fields, keyed by the names used in
// spec.md's event literals (e.g. "gen", "bytes_up", "reason").
type Event struct {
	ID     string                 `json:"id"`
	Kind   EventKind              `json:"kind"`
	Time   time.Time              `json:"time"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Lagged is synthesized and delivered in place of events a slow
// subscriber missed, per spec.md §5 ("subscribers missing events see
// a Lagged{n} marker").
type Lagged struct {
	N int `json:"n"`
}

// subscriberBuffer is how many events a subscriber can be behind
// before older ones are dropped in favor of a single Lagged marker.
const subscriberBuffer = 256

// EventBus is a multi-producer multi-consumer broadcaster. It never
// blocks a publisher on a slow subscriber: when a subscriber's channel
// is full, the oldest buffered event is discarded and replaced with a
// Lagged count, matching spec.md §5's "lossy for slow subscribers".
//
// There is no single teacher file for this shape (Caddy's own
// caddyevents.App dispatches synchronously to in-process handlers);
// this is the standard Go fan-out-channel idiom applied to the
// broadcast contract the spec actually asks for.
type EventBus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	ch     chan interface{} // Event or Lagged
	lagged int
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]*subscriber)}
}

// EventStream is a subscriber's view of the bus.
type EventStream struct {
	id  string
	bus *EventBus
	C   <-chan interface{}
}

// Subscribe registers a new subscriber and returns its stream. Close
// must be called when the caller is done to free the subscriber slot.
func (b *EventBus) Subscribe() *EventStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan interface{}, subscriberBuffer)}
	b.subs[id] = sub
	return &EventStream{id: id, bus: b, C: sub.ch}
}

// Close unregisters the stream from the bus.
func (s *EventStream) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// Publish broadcasts an event to every current subscriber. It never
// blocks: a full subscriber buffer causes the oldest entry to be
// dropped and counted, with a Lagged marker delivered on the next
// successful send.
func (b *EventBus) Publish(kind EventKind, fields map[string]interface{}) {
	ev := Event{ID: uuid.NewString(), Kind: kind, Time: timeNow(), Fields: fields}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		b.deliver(sub, ev)
	}
}

func (b *EventBus) deliver(sub *subscriber, ev Event) {
	if sub.lagged > 0 {
		select {
		case sub.ch <- Lagged{N: sub.lagged}:
			sub.lagged = 0
		default:
			sub.lagged++
			return
		}
	}
	select {
	case sub.ch <- ev:
	default:
		// buffer full: drop the oldest event to make room and count
		// it as lost, and count this one as lost too if we still
		// can't fit it.
		select {
		case old := <-sub.ch:
			if l, ok := old.(Lagged); ok {
				sub.lagged += l.N
			} else {
				sub.lagged++
			}
			select {
			case sub.ch <- ev:
			default:
				sub.lagged++
			}
		default:
			sub.lagged++
		}
	}
}

// timeNow is a seam for deterministic tests.
var timeNow = time.Now
