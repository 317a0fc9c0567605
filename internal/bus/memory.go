package bus

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus is an in-process Bus used in tests and single-process
// development setups. It delivers each published message to every live
// subscription of the channel.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]map[string]struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[*memorySubscription]map[string]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("bus closed")
	}

	for sub, channels := range b.subs {
		if _, ok := channels[channel]; !ok {
			continue
		}
		select {
		case sub.out <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; best-effort delivery drops the message.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("bus closed")
	}

	sub := &memorySubscription{
		bus: b,
		out: make(chan Message, 256),
	}
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch] = struct{}{}
	}
	b.subs[sub] = set

	return sub, nil
}

func (b *MemoryBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.out)
	}
	b.subs = make(map[*memorySubscription]map[string]struct{})
	return nil
}

type memorySubscription struct {
	bus  *MemoryBus
	out  chan Message
	once sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		s.once.Do(func() { close(s.out) })
	}
	return nil
}
