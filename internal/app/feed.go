package app

import (
	"sync"

	"popquiz-service/internal/domain"
)

// Feed fans leaderboard snapshots out to per-session subscribers. Publishing
// never blocks on a slow subscriber: the stale snapshot is dropped and
// replaced with the fresh one.
type Feed struct {
	mu          sync.Mutex
	subscribers map[string]map[chan domain.Leaderboard]struct{}
}

func NewFeed() *Feed {
	return &Feed{subscribers: make(map[string]map[chan domain.Leaderboard]struct{})}
}

// Subscribe returns a channel that receives leaderboard updates for a
// session. The caller must invoke the returned cancel function to avoid leaks.
func (f *Feed) Subscribe(sessionID string) (<-chan domain.Leaderboard, func()) {
	ch := make(chan domain.Leaderboard, 8)

	f.mu.Lock()
	if f.subscribers[sessionID] == nil {
		f.subscribers[sessionID] = make(map[chan domain.Leaderboard]struct{})
	}
	f.subscribers[sessionID][ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if subs, ok := f.subscribers[sessionID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(f.subscribers, sessionID)
			}
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a snapshot to every subscriber of the session. Senders
// are serialized under the exclusive lock, so after the stale drain below
// the buffered send always has a free slot and cannot block.
func (f *Feed) Publish(lb domain.Leaderboard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers[lb.SessionID] {
		select {
		case ch <- lb:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- lb
		}
	}
}
