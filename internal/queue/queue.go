// Package queue implements the per-client mailbox described in spec.md
// §4.A: a FIFO buffer of delivered messages, drained atomically on demand,
// with a lifecycle tied to the owning connection.
//
// Grounded on the teacher's internal/shared/connection.go Client/
// SubscriptionSet pair (a per-connection piece of state guarded by its own
// small mutex, with an explicit reset/teardown path) generalized from a
// bounded channel of outgoing bytes to an unbounded FIFO of routed entries,
// since spec.md requires enqueue to never fail or block.
package queue

import "sync"

// Entry is one delivered message: the payload plus the set of topics that
// matched for THIS queue (spec.md §9 open question: per-shard interpretation).
type Entry struct {
	Topics  []string
	Payload []byte
}

// Queue is a per-client mailbox. It is safe for concurrent use: shards call
// Enqueue from their own goroutine while the owning connection calls Drain
// from its fetch handler and Stop from its teardown path.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	topics  map[string]struct{}
	alive   bool
}

// New creates a live, empty mailbox.
func New() *Queue {
	return &Queue{
		topics: make(map[string]struct{}),
		alive:  true,
	}
}

// Enqueue appends one entry. Never fails for a live queue and never blocks.
// A queue that has been Stop'd silently drops the entry — late shard
// publishes racing the teardown path must not crash or resurrect the queue.
func (q *Queue) Enqueue(topics []string, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.alive {
		return
	}

	// Copy the topic slice: the caller (a RouterShard) may reuse or mutate
	// its backing array across calls to different queues for the same publish.
	owned := make([]string, len(topics))
	copy(owned, topics)

	q.entries = append(q.entries, Entry{Topics: owned, Payload: payload})
}

// Drain returns and removes all currently buffered entries, in FIFO order.
// Returns an empty (nil) slice if none are buffered. Idempotent-after-empty:
// a second call with no interleaving Enqueue returns nil.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	drained := q.entries
	q.entries = nil
	return drained
}

// RecordSubscription updates the queue's own view of which topics it holds.
// Idempotent per topic. Used at teardown to know which shards to notify.
func (q *Queue) RecordSubscription(topics []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range topics {
		q.topics[t] = struct{}{}
	}
}

// ForgetSubscription is the inverse of RecordSubscription.
func (q *Queue) ForgetSubscription(topics []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range topics {
		delete(q.topics, t)
	}
}

// SubscribedTopics returns a snapshot of the topics this queue currently
// believes it holds, for use when tearing down a connection.
func (q *Queue) SubscribedTopics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.topics))
	for t := range q.topics {
		out = append(out, t)
	}
	return out
}

// Stop marks the queue dead. Subsequent Enqueue calls are no-ops. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.alive = false
	q.entries = nil
}
