package changebus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrBusClosed = errors.New("change bus closed")

// MemoryBus is an in-process Bus. Each subscription gets its own delivery goroutine,
// so handlers for one subscription never run concurrently.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]map[*memorySub]struct{}
	bufferSize int
	closed     bool
}

func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemoryBus{
		subs:       make(map[uuid.UUID]map[*memorySub]struct{}),
		bufferSize: bufferSize,
	}
}

type memorySub struct {
	bus       *MemoryBus
	sessionID uuid.UUID
	h         Handlers
	events    chan Event
	done      chan struct{}
	exited    chan struct{}
	once      sync.Once
	err       error
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*memorySub, 0, len(b.subs[ev.SessionID]))
	for s := range b.subs[ev.SessionID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.events <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID uuid.UUID, h Handlers) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &memorySub{
		bus:       b,
		sessionID: sessionID,
		h:         h,
		events:    make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*memorySub]struct{})
	}
	b.subs[sessionID][s] = struct{}{}
	b.mu.Unlock()

	go s.deliver()
	return s, nil
}

// Subscribers reports how many live subscriptions a session has.
func (b *MemoryBus) Subscribers(sessionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.stop(ErrBusClosed)
	}
	return nil
}

func (s *memorySub) deliver() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.h.Dispatch(ev)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.stop(nil)
	return nil
}

func (s *memorySub) Done() <-chan struct{} { return s.exited }

func (s *memorySub) Err() error { return s.err }

func (s *memorySub) stop(cause error) {
	s.once.Do(func() {
		s.err = cause
		// done is closed before taking the lock so blocked publishers let go first.
		close(s.done)

		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.sessionID)
			}
		}
		s.bus.mu.Unlock()

		<-s.exited
	})
}
