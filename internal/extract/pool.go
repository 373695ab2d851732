package extract

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/semaphore"

	"evermem/internal/observability"
)

// convLocks stripes per-conversation mutexes across a fixed number of
// buckets so extraction never runs concurrently on the same conversation —
// episodes for one conversation are always handled in buffer order, never
// in parallel with each other — without ever taking a global lock.
type convLocks struct {
	locks []sync.Mutex
}

func newConvLocks(stripes int) *convLocks {
	if stripes <= 0 {
		stripes = 64
	}
	return &convLocks{locks: make([]sync.Mutex, stripes)}
}

func (c *convLocks) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &c.locks[h.Sum32()%uint32(len(c.locks))]
}

// Pool drains a Queue with bounded worker concurrency, serializing
// extraction per conversation and archiving exhausted-retry episodes to a
// DeadLetter sink.
type Pool struct {
	Worker      *Worker
	Queue       Queue
	DeadLetter  DeadLetter
	Concurrency int

	locks *convLocks
	sem   *semaphore.Weighted
}

// NewPool constructs a Pool with the given worker concurrency (tenant-
// configurable, default 5).
func NewPool(worker *Worker, queue Queue, dlq DeadLetter, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Pool{
		Worker:      worker,
		Queue:       queue,
		DeadLetter:  dlq,
		Concurrency: concurrency,
		locks:       newConvLocks(64),
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run consumes episodes from Queue until ctx is cancelled, processing up to
// Concurrency episodes at once.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for ep := range p.Queue.Consume(ctx) {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(ep Episode) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.handle(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

func (p *Pool) handle(ctx context.Context, ep Episode) {
	log := observability.LoggerWithTrace(ctx)
	lock := p.locks.lockFor(ep.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	_, err := p.Worker.Process(ctx, ep)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", ep.ConversationID).Msg("extract: episode failed, archiving to dead letter")
		if p.DeadLetter != nil {
			if dlqErr := p.DeadLetter.Put(ctx, ep.Tenant, ep, err); dlqErr != nil {
				log.Error().Err(dlqErr).Str("conversation_id", ep.ConversationID).Msg("extract: dead-letter write failed")
			}
		}
	}
}
