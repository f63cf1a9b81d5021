package testutils

import (
	"sync"

	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/google/uuid"
)

type subscribers map[string]*subscriber

// pubSub fans out proof state changes keyed by Y.
type pubSub struct {
	topics map[string]subscribers
	mu     sync.RWMutex
}

func newPubSub() *pubSub {
	return &pubSub{
		topics: make(map[string]subscribers),
	}
}

func (b *pubSub) Subscribe(s *subscriber, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(subscribers)
		}
		b.topics[topic][s.id] = s
	}
}

func (b *pubSub) Unsubscribe(s *subscriber, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.topics[topic], s.id)
	}
}

// Publish does not block. A subscriber that is not keeping
// up with its messages misses the update.
func (b *pubSub) Publish(topic string, state nut07.ProofState) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.topics[topic] {
		s.signal(state)
	}
}

type subscriber struct {
	id       string
	messages chan nut07.ProofState
	active   bool
	mu       sync.Mutex
}

func newSubscriber() *subscriber {
	return &subscriber{
		id:       uuid.NewString(),
		messages: make(chan nut07.ProofState, 64),
		active:   true,
	}
}

func (s *subscriber) signal(state nut07.ProofState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case s.messages <- state:
	default:
	}
}

func (s *subscriber) Messages() <-chan nut07.ProofState {
	return s.messages
}

func (s *subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.messages)
	}
}
