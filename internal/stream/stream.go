package stream

import (
	"context"
	"sync"

	"bankist.org/internal/events"
)

// Stream fans bank events out to all active subscribers (SSE clients).
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	buffer int
}

type subscriber struct {
	ch       chan events.Event
	username string
}

// New initialises an empty stream. buffer is the per-subscriber queue length.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. A non-empty username restricts delivery to that account's events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, username string) <-chan events.Event {
	ch := make(chan events.Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, username: username}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fans the event out to all matching subscribers. It never blocks.
func (s *Stream) Publish(_ context.Context, evt events.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.username != "" && sub.username != evt.Username {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return nil
}
