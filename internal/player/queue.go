package player

import (
	"context"
	"sync"
)

// ListQueue is an in-memory Queue. Tracks are handed out in insertion order;
// with wrap enabled the list starts over once exhausted.
type ListQueue struct {
	mu     sync.Mutex
	tracks []Track
	next   int
	wrap   bool
}

func NewListQueue(tracks ...Track) *ListQueue {
	return &ListQueue{tracks: append([]Track(nil), tracks...)}
}

func (q *ListQueue) Add(tracks ...Track) {
	q.mu.Lock()
	q.tracks = append(q.tracks, tracks...)
	q.mu.Unlock()
}

// SetWrap makes the queue loop, matching repeat-all.
func (q *ListQueue) SetWrap(wrap bool) {
	q.mu.Lock()
	q.wrap = wrap
	q.mu.Unlock()
}

func (q *ListQueue) Clear() {
	q.mu.Lock()
	q.tracks = nil
	q.next = 0
	q.mu.Unlock()
}

func (q *ListQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tracks) - q.next
}

func (q *ListQueue) HasNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.next < len(q.tracks) || (q.wrap && len(q.tracks) > 0)
}

func (q *ListQueue) Next(ctx context.Context) (Track, bool, error) {
	if err := ctx.Err(); err != nil {
		return Track{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next >= len(q.tracks) {
		if !q.wrap || len(q.tracks) == 0 {
			return Track{}, false, nil
		}
		q.next = 0
	}

	t := q.tracks[q.next]
	q.next++

	return t, true, nil
}

// FallbackQueue serves the local queue first and asks a remote source once it
// is empty.
type FallbackQueue struct {
	Local  *ListQueue
	Remote Queue
}

func (q FallbackQueue) HasNext() bool {
	return q.Local.HasNext() || (q.Remote != nil && q.Remote.HasNext())
}

func (q FallbackQueue) Next(ctx context.Context) (Track, bool, error) {
	if t, ok, err := q.Local.Next(ctx); err != nil || ok {
		return t, ok, err
	}
	if q.Remote == nil {
		return Track{}, false, nil
	}

	return q.Remote.Next(ctx)
}
