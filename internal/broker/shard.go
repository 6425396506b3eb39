// Package broker implements the routing substrate of spec.md §4.B/§4.C: a
// sharded topic→subscriber index (RouterShard) fronted by a stable shard
// selector (Router).
//
// Grounded on the teacher's internal/multi/shard.go (a dedicated execution
// unit per shard, started/stopped with its own context and WaitGroup) and
// worker_pool.go (a buffered channel of closures consumed by one goroutine,
// the "dedicated execution unit that reads from a request channel" option
// spec.md's design notes call out explicitly). Each RouterShard is exactly
// that: a single-worker pool whose queue of tasks IS its serialization point,
// giving the total order spec.md §3 invariant 1 and §5 require without a mutex.
package broker

import (
	"fmt"

	"github.com/adred-codev/krakenbroker/internal/monitoring"
	"github.com/adred-codev/krakenbroker/internal/queue"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// mutation is one unit of serialized work submitted to a shard's goroutine.
// done is closed once fn has run, so callers that need the completion
// ordering Router.subscribe/unsubscribe/publish promise ("return after all
// shards finish") can block on it without holding any shard's internals.
type mutation struct {
	fn   func()
	done chan struct{}
}

// ShardConfig configures a single RouterShard.
type ShardConfig struct {
	ID              int
	MinFanoutToWarn int // publish fan-out above this logs a warning (0 disables)
	Logger          zerolog.Logger
	QueueDepth      int // buffered mutation channel capacity
}

// Shard owns one partition of the topic→subscriber map (spec.md §3/§4.B).
// All mutations to subs/owned run on Shard.run, its single dedicated
// goroutine — this is the shard's serialization point (spec.md §5: "Within
// one shard: a total order over all its operations").
type Shard struct {
	id     int
	logger zerolog.Logger

	subs  map[string]map[*queue.Queue]struct{} // Topic -> subscriber set
	owned map[*queue.Queue]map[string]struct{} // Queue -> topics owned by this shard

	ops  chan mutation
	stop chan struct{}
	done chan struct{}

	minFanoutToWarn int
	warnLimiter     *rate.Limiter // throttles fan-out warning LOG LINES only
}

// NewShard creates and starts a shard's dedicated goroutine.
func NewShard(cfg ShardConfig) *Shard {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	s := &Shard{
		id:              cfg.ID,
		logger:          cfg.Logger.With().Int("shard_id", cfg.ID).Logger(),
		subs:            make(map[string]map[*queue.Queue]struct{}),
		owned:           make(map[*queue.Queue]map[string]struct{}),
		ops:             make(chan mutation, depth),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		minFanoutToWarn: cfg.MinFanoutToWarn,
		// One warning log line per second per shard at most, regardless of
		// how many individual publishes cross the threshold in that second.
		warnLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}

	go s.run()
	return s
}

// run is the shard's single execution unit: it drains ops.fn in submission
// order until Close is called. No shard ever calls into another shard from
// here, which rules out cross-shard deadlock (spec.md §9 design notes).
func (s *Shard) run() {
	defer close(s.done)
	for {
		select {
		case m := <-s.ops:
			s.execute(m)
		case <-s.stop:
			// Drain any mutations queued before Close was observed so that
			// callers blocked on their done channel are always released.
			for {
				select {
				case m := <-s.ops:
					s.execute(m)
				default:
					return
				}
			}
		}
	}
}

// execute runs one mutation, recovering a panic that would otherwise crash
// this shard's only goroutine and leave every future submit() blocked
// forever on a done channel nobody closes. A caught panic logs at Error
// (with a stack trace) and resets subs/owned to empty rather than
// propagating: a shard fails stop-and-clear, not stop-and-crash (spec.md §7,
// SPEC_FULL.md §10.3).
func (s *Shard) execute(m mutation) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			monitoring.LogErrorWithStack(s.logger, err, "shard invariant violation, resetting state", map[string]any{
				"shard_id": s.id,
			})
			s.subs = make(map[string]map[*queue.Queue]struct{})
			s.owned = make(map[*queue.Queue]map[string]struct{})
		}
	}()
	m.fn()
}

// submit runs fn serialized with every other mutation on this shard and
// blocks until it has completed.
func (s *Shard) submit(fn func()) {
	m := mutation{fn: fn, done: make(chan struct{})}
	s.ops <- m
	<-m.done
}

// Close stops the shard's goroutine. Any mutations already queued are run
// to completion first.
func (s *Shard) Close() {
	close(s.stop)
	<-s.done
}

// Subscribe installs Q as a subscriber of each topic in topics (a no-op per
// topic already subscribed) and records the subscription on Q itself so it
// knows what to forget at teardown.
func (s *Shard) Subscribe(q *queue.Queue, topics []string) {
	s.submit(func() {
		for _, t := range topics {
			set, ok := s.subs[t]
			if !ok {
				set = make(map[*queue.Queue]struct{})
				s.subs[t] = set
			}
			if _, already := set[q]; !already {
				monitoring.SubscriptionsActive.Inc()
			}
			set[q] = struct{}{}

			owned, ok := s.owned[q]
			if !ok {
				owned = make(map[string]struct{})
				s.owned[q] = owned
			}
			owned[t] = struct{}{}
		}
		q.RecordSubscription(topics)
	})
}

// Unsubscribe removes Q from each topic in topics (a no-op per pair not
// present), deleting now-empty topic entries so shard maps stay bounded.
func (s *Shard) Unsubscribe(q *queue.Queue, topics []string) {
	s.submit(func() {
		for _, t := range topics {
			if set, ok := s.subs[t]; ok {
				if _, present := set[q]; present {
					monitoring.SubscriptionsActive.Dec()
				}
				delete(set, q)
				if len(set) == 0 {
					delete(s.subs, t)
				}
			}
			if owned, ok := s.owned[q]; ok {
				delete(owned, t)
				if len(owned) == 0 {
					delete(s.owned, q)
				}
			}
		}
		q.ForgetSubscription(topics)
	})
}

// Publish enqueues payload into every distinct queue subscribed to any topic
// in topics, exactly once per queue, carrying the subset of topics (within
// this shard) that matched it (spec.md §4.B, testable property 8). Logs a
// rate-limited warning if the fan-out exceeds minFanoutToWarn.
func (s *Shard) Publish(topics []string, payload []byte) {
	s.submit(func() {
		matched := make(map[*queue.Queue][]string)
		for _, t := range topics {
			set, ok := s.subs[t]
			if !ok {
				continue
			}
			for q := range set {
				matched[q] = append(matched[q], t)
			}
		}

		for q, hitTopics := range matched {
			q.Enqueue(hitTopics, payload)
		}
		monitoring.MessagesDelivered.Add(float64(len(matched)))

		if s.minFanoutToWarn > 0 && len(matched) > s.minFanoutToWarn {
			monitoring.FanoutWarningsTotal.Inc()
			if s.warnLimiter.Allow() {
				s.logger.Warn().
					Int("fanout", len(matched)).
					Int("threshold", s.minFanoutToWarn).
					Msg("publish fan-out exceeded warning threshold")
			}
		}
	})
}

// DropQueue removes every reference to Q from this shard: every topic Q
// subscribed to here, and Q's own owned-topics bookkeeping. Idempotent.
func (s *Shard) DropQueue(q *queue.Queue) {
	s.submit(func() {
		owned, ok := s.owned[q]
		if !ok {
			return
		}
		for t := range owned {
			if set, ok := s.subs[t]; ok {
				delete(set, q)
				monitoring.SubscriptionsActive.Dec()
				if len(set) == 0 {
					delete(s.subs, t)
				}
			}
		}
		delete(s.owned, q)
	})
}

// SubscriberCount reports how many distinct queues this shard believes are
// subscribed to topic. Exposed for metrics and tests; not part of the
// routing hot path.
func (s *Shard) SubscriberCount(topic string) int {
	count := 0
	s.submit(func() {
		count = len(s.subs[topic])
	})
	return count
}

// HasQueue reports whether q has any live subscription on this shard.
// Test/debug helper grounding spec.md §8 testable property 2.
func (s *Shard) HasQueue(q *queue.Queue) bool {
	result := false
	s.submit(func() {
		_, result = s.owned[q]
	})
	return result
}

func (s *Shard) String() string {
	return fmt.Sprintf("shard[%d]", s.id)
}
