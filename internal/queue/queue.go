// Package queue implements the bounded FIFO admission queue used when the
// downstream call pool is saturated. Every entry carries a deadline and a
// waker channel; expired entries are woken with ErrTimeout by the cleaner
// rather than waiting for the next dequeue.
package queue

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("admission queue full")

	// ErrTimeout is delivered to an entry's waker when its deadline passes
	// before admission.
	ErrTimeout = errors.New("timed out waiting for admission")

	// ErrShutdown is delivered to all waiters when the queue closes.
	ErrShutdown = errors.New("server shutting down")
)

// Entry is one waiting tool call.
type Entry struct {
	RequestID  string
	ClientID   string
	Tool       string
	EnqueuedAt time.Time
	Deadline   time.Time

	// Ready receives nil on admission, or the reason the wait ended.
	// Buffered so the queue never blocks on a waiter.
	Ready chan error
}

// NewEntry creates an entry with its waker.
func NewEntry(requestID, clientID, tool string, deadline time.Time) *Entry {
	return &Entry{
		RequestID:  requestID,
		ClientID:   clientID,
		Tool:       tool,
		EnqueuedAt: time.Now(),
		Deadline:   deadline,
		Ready:      make(chan error, 1),
	}
}

func (e *Entry) wake(err error) {
	select {
	case e.Ready <- err:
	default:
	}
}

// Queue is the bounded FIFO. All mutation runs under a single mutex
// (the queue-write lock).
type Queue struct {
	mu      sync.Mutex
	entries *list.List
	maxSize int
	closed  bool

	// now is replaceable in tests.
	now func() time.Time

	// onDepth, when set, observes the queue length after each mutation.
	onDepth func(int)

	cleanDone chan struct{}
	cleanOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a queue holding at most maxSize entries.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &Queue{
		entries:   list.New(),
		maxSize:   maxSize,
		now:       time.Now,
		cleanDone: make(chan struct{}),
	}
}

// SetDepthObserver installs a callback observing queue depth changes.
func (q *Queue) SetDepthObserver(fn func(int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDepth = fn
}

// Enqueue appends the entry, or fails immediately with ErrFull or
// ErrShutdown.
func (q *Queue) Enqueue(e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShutdown
	}
	if q.entries.Len() >= q.maxSize {
		return ErrFull
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.entries.PushBack(e)
	q.observeDepth()
	return nil
}

// Dequeue removes and returns the oldest non-expired entry, or nil when the
// queue holds none. Expired entries encountered on the way are removed and
// their waiters woken with ErrTimeout.
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeExpired()

	front := q.entries.Front()
	if front == nil {
		return nil
	}
	q.entries.Remove(front)
	q.observeDepth()
	return front.Value.(*Entry)
}

// CleanupExpired removes all entries past their deadline and wakes their
// waiters with ErrTimeout.
func (q *Queue) CleanupExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeExpired()
}

// removeExpired removes expired entries. Caller holds q.mu.
func (q *Queue) removeExpired() {
	now := q.now()
	for elem := q.entries.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if !entry.Deadline.IsZero() && now.After(entry.Deadline) {
			q.entries.Remove(elem)
			entry.wake(ErrTimeout)
		}
		elem = next
	}
	q.observeDepth()
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// StartCleaner runs CleanupExpired on a periodic timer until Close.
func (q *Queue) StartCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.CleanupExpired()
			case <-q.cleanDone:
				return
			}
		}
	}()
}

// Close rejects future enqueues and wakes every waiter with ErrShutdown.
func (q *Queue) Close() {
	q.cleanOnce.Do(func() { close(q.cleanDone) })
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for elem := q.entries.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*Entry).wake(ErrShutdown)
	}
	q.entries.Init()
	q.observeDepth()
}

func (q *Queue) observeDepth() {
	if q.onDepth != nil {
		q.onDepth(q.entries.Len())
	}
}
