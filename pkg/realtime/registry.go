package realtime

import (
	"hash/fnv"
	"sync"

	"pulsegate/pkg/domain"
)

// Subscriber is one realtime connection as seen by the registry and the
// ingest dispatcher.
type Subscriber interface {
	ID() string
	Deliver(event domain.ChangeEvent) bool
}

const registryShards = 32

type registryShard struct {
	mu       sync.Mutex
	channels map[string]map[string]Subscriber
}

// Registry maps workspace-qualified channel names to their current
// subscriber sets. Channels are created lazily on first subscribe and
// removed when their subscriber set becomes empty.
//
// Mutations are serialized per shard, keyed by channel hash, so unrelated
// tenants' subscribe/unsubscribe traffic never contends on one lock.
// Removal of an empty channel and a concurrent subscribe to the same name
// happen under the same shard critical section, so a new subscription can
// never be silently dropped.
type Registry struct {
	shards [registryShards]*registryShard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{channels: make(map[string]map[string]Subscriber)}
	}
	return r
}

func (r *Registry) shardFor(channel string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return r.shards[h.Sum32()%registryShards]
}

// Subscribe adds the subscriber to the channel, creating it when absent.
func (r *Registry) Subscribe(channel string, sub Subscriber) {
	s := r.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.channels[channel]
	if !ok {
		set = make(map[string]Subscriber)
		s.channels[channel] = set
	}
	set[sub.ID()] = sub
}

// Unsubscribe removes the subscriber from the channel and removes the
// channel once its subscriber set is empty.
func (r *Registry) Unsubscribe(channel string, sub Subscriber) {
	s := r.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.channels[channel]
	if !ok {
		return
	}
	delete(set, sub.ID())
	if len(set) == 0 {
		delete(s.channels, channel)
	}
}

// Subscribers returns a snapshot of the channel's current subscribers.
// Safe to call concurrently with mutation of other channels.
func (r *Registry) Subscribers(channel string) []Subscriber {
	s := r.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.channels[channel]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// Drop removes the subscriber from every listed channel. Used by the
// connection manager during teardown so a closed connection never remains
// a silent subscriber.
func (r *Registry) Drop(sub Subscriber, channels []string) {
	for _, channel := range channels {
		r.Unsubscribe(channel, sub)
	}
}
