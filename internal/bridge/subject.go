package bridge

import (
	"sync"
	"sync/atomic"
)

// subject fans values out to registered listeners. Values set with update
// are remembered and replayed by watch; values sent with publish are not
// kept once delivered. Registration and removal are safe from inside a
// listener; a listener removed mid-dispatch is skipped, the others still
// receive the value.
type subject[T comparable] struct {
	mu      sync.Mutex
	nextID  uint64
	seq     uint64
	current T
	subs    map[uint64]*subscription[T]
}

type subscription[T comparable] struct {
	// mu serializes deliveries to this listener so a replay and a publish
	// never interleave.
	mu      sync.Mutex
	fn      func(T)
	lastSeq uint64
	removed atomic.Bool
}

func newSubject[T comparable](initial T) *subject[T] {
	return &subject[T]{
		current: initial,
		subs:    make(map[uint64]*subscription[T]),
	}
}

func (s *subject[T]) value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *subject[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// subscribe registers fn and returns its removal handle.
func (s *subject[T]) subscribe(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, unsubscribe := s.addLocked(fn)
	return unsubscribe
}

// watch registers fn and calls it with the current value before returning.
// fn never observes a value older than the replayed one.
func (s *subject[T]) watch(fn func(T)) func() {
	s.mu.Lock()
	sub, unsubscribe := s.addLocked(fn)
	sub.mu.Lock()
	v, seq := s.current, s.seq
	s.mu.Unlock()

	sub.lastSeq = seq
	fn(v)
	sub.mu.Unlock()
	return unsubscribe
}

func (s *subject[T]) addLocked(fn func(T)) (*subscription[T], func()) {
	s.nextID++
	id := s.nextID
	sub := &subscription[T]{fn: fn}
	s.subs[id] = sub

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			sub.removed.Store(true)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// publish delivers v to every listener without recording it.
func (s *subject[T]) publish(v T) {
	s.mu.Lock()
	s.dispatchLocked(v)
}

// update publishes v only when it differs from the current value and
// reports whether it did.
func (s *subject[T]) update(v T) bool {
	s.mu.Lock()
	if s.current == v {
		s.mu.Unlock()
		return false
	}
	s.current = v
	s.dispatchLocked(v)
	return true
}

// dispatchLocked releases s.mu before calling listeners.
func (s *subject[T]) dispatchLocked(v T) {
	s.seq++
	seq := s.seq
	subs := make([]*subscription[T], 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(v, seq)
	}
}

func (sub *subscription[T]) deliver(v T, seq uint64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.removed.Load() || seq <= sub.lastSeq {
		return
	}
	sub.lastSeq = seq
	sub.fn(v)
}
