package broker

import (
	"sync"

	"github.com/adred-codev/krakenbroker/internal/monitoring"
	"github.com/adred-codev/krakenbroker/internal/queue"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Router is a fixed-size vector of shards plus the hash function mapping
// topic bytes to a shard index (spec.md §3/§4.C). It is immutable after
// construction: num_shards is fixed at startup, matching the teacher's
// "fixed immutable array of shard handles" pattern (spec.md §9 design notes).
type Router struct {
	shards []*Shard

	minPublishTopicsToWarn int
	warnLimiter            *rate.Limiter
	logger                 zerolog.Logger
}

// Config configures the Router and the shards it owns.
type Config struct {
	NumShards              int
	MinFanoutToWarn        int
	MinPublishTopicsToWarn int
	Logger                 zerolog.Logger
}

// New creates a Router with NumShards independently-serialized shards.
func New(cfg Config) *Router {
	shards := make([]*Shard, cfg.NumShards)
	for i := range shards {
		shards[i] = NewShard(ShardConfig{
			ID:              i,
			MinFanoutToWarn: cfg.MinFanoutToWarn,
			Logger:          cfg.Logger,
		})
	}

	return &Router{
		shards:                 shards,
		minPublishTopicsToWarn: cfg.MinPublishTopicsToWarn,
		warnLimiter:            rate.NewLimiter(rate.Limit(1), 1),
		logger:                 cfg.Logger,
	}
}

// NumShards returns the fixed shard count.
func (r *Router) NumShards() int {
	return len(r.shards)
}

// SubscriberCount reports how many distinct queues are subscribed to topic,
// on whichever shard owns it. Exposed for metrics and integration tests.
func (r *Router) SubscriberCount(topic string) int {
	return r.shardOf(topic).SubscriberCount(topic)
}

// shardOf is the pure, deterministic, stateless function mapping a topic to
// its owning shard index (spec.md §3 invariant 6, §8 testable property 5).
// xxhash gives a fast, well-distributed 64-bit digest of the topic bytes;
// the same topic always hashes to the same shard, independent of the state
// of any shard or of arrival order.
func (r *Router) shardOf(topic string) *Shard {
	h := xxhash.Sum64String(topic)
	return r.shards[h%uint64(len(r.shards))]
}

// partition buckets topics by the shard that owns them.
func (r *Router) partition(topics []string) map[*Shard][]string {
	buckets := make(map[*Shard][]string)
	for _, t := range topics {
		shard := r.shardOf(t)
		buckets[shard] = append(buckets[shard], t)
	}
	return buckets
}

// Subscribe partitions topics by shard and dispatches each partition,
// returning once every involved shard has applied its part.
func (r *Router) Subscribe(q *queue.Queue, topics []string) {
	r.fanOut(topics, func(shard *Shard, shardTopics []string) {
		shard.Subscribe(q, shardTopics)
	})
}

// Unsubscribe is the symmetric counterpart to Subscribe.
func (r *Router) Unsubscribe(q *queue.Queue, topics []string) {
	r.fanOut(topics, func(shard *Shard, shardTopics []string) {
		shard.Unsubscribe(q, shardTopics)
	})
}

// Publish partitions topics by shard and dispatches the payload to each.
// The origin queue is never filtered out: a publisher subscribed to its own
// topic receives its own message (spec.md §4.C, documented behavior).
func (r *Router) Publish(origin *queue.Queue, topics []string, payload []byte) {
	if r.minPublishTopicsToWarn > 0 && len(topics) > r.minPublishTopicsToWarn {
		monitoring.PublishTopicsWarningsTotal.Inc()
		if r.warnLimiter.Allow() {
			r.logger.Warn().
				Int("topic_count", len(topics)).
				Int("threshold", r.minPublishTopicsToWarn).
				Msg("publish spans an unusually large number of topics")
		}
	}

	r.fanOut(topics, func(shard *Shard, shardTopics []string) {
		shard.Publish(shardTopics, payload)
	})
}

// fanOut partitions topics by shard and runs fn against every involved
// shard in parallel, returning only once all of them have completed — the
// Router contract requires callers see all shards settled before proceeding
// (spec.md §4.C), but distinct shards never block on one another.
func (r *Router) fanOut(topics []string, fn func(shard *Shard, shardTopics []string)) {
	if len(topics) == 0 {
		return
	}

	buckets := r.partition(topics)
	var wg sync.WaitGroup
	wg.Add(len(buckets))
	for shard, shardTopics := range buckets {
		shard, shardTopics := shard, shardTopics
		go func() {
			defer wg.Done()
			fn(shard, shardTopics)
		}()
	}
	wg.Wait()
}

// DropQueue requests every shard drop q and runs to completion before
// returning, upholding invariant 2: no dangling reference to q survives in
// any shard once DropQueue has returned.
func (r *Router) DropQueue(q *queue.Queue) {
	var wg sync.WaitGroup
	wg.Add(len(r.shards))
	for _, shard := range r.shards {
		shard := shard
		go func() {
			defer wg.Done()
			shard.DropQueue(q)
		}()
	}
	wg.Wait()
}

// Close stops every shard's dedicated goroutine. Used during server
// shutdown once all connections have been torn down.
func (r *Router) Close() {
	for _, shard := range r.shards {
		shard.Close()
	}
}
