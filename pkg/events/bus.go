package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Lifecycle Events - Endpoint/VMR changes shared between gateway replicas
// ============================================================================

type EventType string

const (
	EventEndpointCreated EventType = "endpoint.created"
	EventEndpointUpdated EventType = "endpoint.updated"
	EventEndpointDeleted EventType = "endpoint.deleted"
	EventVmrCreated      EventType = "vmr.created"
	EventVmrUpdated      EventType = "vmr.updated"
	EventVmrDeleted      EventType = "vmr.deleted"
)

// Event describes one configuration change. Created/updated events carry the full record.
type Event struct {
	Type       EventType                  `json:"type"`
	EndpointID string                     `json:"endpoint_id,omitempty"`
	VmrID      string                     `json:"vmr_id,omitempty"`
	Endpoint   *types.ModelRunnerEndpoint `json:"endpoint,omitempty"`
	Vmr        *types.VirtualModelRunner  `json:"vmr,omitempty"`

	// Origin is the node id of the publisher, used by consumers to skip their own events
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

type Handler func(ctx context.Context, ev Event)

// Bus delivers every published event to every subscriber, the publisher's included
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe blocks, calling handler for each event, until ctx is done or the bus is closed
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

var ErrBusClosed = errors.New("event bus is closed")

const localBufferSize = 256

// LocalBus fans events out in process. Sharing one LocalBus between several
// registries replicates them the way RedisBus does across processes.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	done   chan struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[int]chan Event),
		done: make(chan struct{}),
	}
}

// Publish queues ev for every subscriber. A subscriber whose buffer is full misses the event.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Str("type", string(ev.Type)).Msg("Dropped lifecycle event, subscriber is full")
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, localBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-ch:
			handler(ctx, ev)
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
