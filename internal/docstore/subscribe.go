package docstore

import (
	"context"
	"sync"
)

// listener delivers snapshots for one subscription from its own goroutine.
// Change signals coalesce: a burst of commits yields at most one extra
// delivery.
type listener struct {
	store *Store
	q     Query
	fn    func([]Document)

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Subscribe delivers the full snapshot of q to fn now and after every
// committed change to q's collection and family. The returned function
// stops delivery and waits for any in-flight callback; it is idempotent but
// must not be called from inside fn.
func (s *Store) Subscribe(q Query, fn func([]Document)) func() {
	l := &listener{
		store: s,
		q:     q,
		fn:    fn,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(l.done)
		return func() {}
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	l.kick <- struct{}{}
	go l.run()
	return l.cancel
}

func (l *listener) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.kick:
		}

		docs, err := l.store.Query(context.Background(), l.q)
		if err != nil {
			l.store.opts.Logger.Error("subscription query", "collection", l.q.Collection, "family_id", l.q.FamilyID, "error", err)
			continue
		}

		select {
		case <-l.stop:
			return
		default:
		}
		l.fn(docs)
	}
}

func (l *listener) cancel() {
	l.once.Do(func() {
		l.store.mu.Lock()
		delete(l.store.listeners, l)
		l.store.mu.Unlock()
		close(l.stop)
	})
	<-l.done
}

func (s *Store) notify(changes map[change]struct{}) {
	if len(changes) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		for c := range changes {
			if c.collection != l.q.Collection {
				continue
			}
			if l.q.FamilyID != "" && c.familyID != l.q.FamilyID {
				continue
			}
			select {
			case l.kick <- struct{}{}:
			default:
			}
			break
		}
	}
}

// Listeners reports how many subscriptions are live.
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
