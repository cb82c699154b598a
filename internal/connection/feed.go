package connection

import (
	"log/slog"
	"sync"
)

// stateFeed delivers transitions to observers in publish order without ever
// blocking the publisher. Each observer drains its own queue on its own goroutine.
type stateFeed struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*feedSub
}

type feedSub struct {
	fn func(StateChange)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []StateChange
	closed bool
}

func newStateFeed(logger *slog.Logger) *stateFeed {
	return &stateFeed{
		logger: logger,
		subs:   make(map[int]*feedSub),
	}
}

func (f *stateFeed) subscribe(fn func(StateChange)) func() {
	sub := &feedSub{fn: fn}
	sub.cond = sync.NewCond(&sub.mu)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go sub.run(f.logger)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			sub.close()
		})
	}
}

func (f *stateFeed) publish(change StateChange) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		sub.push(change)
	}
}

func (s *feedSub) push(change StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, change)
	s.cond.Signal()
}

func (s *feedSub) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *feedSub) run(logger *slog.Logger) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		change := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(change, logger)
	}
}

func (s *feedSub) deliver(change StateChange, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("state observer panicked", "panic", r, "to", change.To)
		}
	}()
	s.fn(change)
}
