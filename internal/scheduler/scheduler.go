package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"mergebot/internal/metrics"
	"mergebot/internal/pipeline"
	"mergebot/internal/queue"
)

// Store is the queue-store surface the scheduler drives.
type Store interface {
	ReposWithWork(ctx context.Context) ([]queue.RepoKey, error)
	PopHead(ctx context.Context, k queue.RepoKey) (*queue.WorkItem, error)
	Complete(ctx context.Context, item *queue.WorkItem) error
	RequeueTail(ctx context.Context, item *queue.WorkItem) error
	RequeueHead(ctx context.Context, item *queue.WorkItem) error
	PushDeadLetter(ctx context.Context, item *queue.WorkItem, reason string) error
	AcquireLease(ctx context.Context, k queue.RepoKey, ttl time.Duration) (string, bool, error)
	RefreshLease(ctx context.Context, k queue.RepoKey, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, k queue.RepoKey, token string) error
	GetThrottle(ctx context.Context, installationID int64) (time.Time, bool, error)
}

// Runner is the merge pipeline the scheduler hands leased items to.
type Runner interface {
	Run(ctx context.Context, item *queue.WorkItem, leaseToken string) pipeline.Result
}

type Config struct {
	Workers          int
	SweepInterval    time.Duration
	LeaseTTL         time.Duration
	MaxRetries       int
	StarvationWindow time.Duration
}

// Scheduler sweeps the active-repo index, fans repos out to a fixed worker
// pool, and drains each claimed repo under its lease. Per-repo ordering is
// the lease's job; the pool only adds cross-repo parallelism.
type Scheduler struct {
	store Store
	pipe  Runner
	m     *metrics.Metrics
	cfg   Config

	now func() time.Time

	wg   sync.WaitGroup
	work chan queue.RepoKey

	mu     sync.Mutex
	inWork map[queue.RepoKey]bool
}

func New(store Store, pipe Runner, m *metrics.Metrics, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.StarvationWindow <= 0 {
		cfg.StarvationWindow = 30 * time.Minute
	}
	return &Scheduler{
		store:  store,
		pipe:   pipe,
		m:      m,
		cfg:    cfg,
		now:    time.Now,
		work:   make(chan queue.RepoKey),
		inWork: make(map[queue.RepoKey]bool),
	}
}

// Run sweeps and dispatches until ctx is canceled, then waits for in-flight
// workers to finish their current item.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	log.Printf("[scheduler] started %d workers, sweep every %s", s.cfg.Workers, s.cfg.SweepInterval)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			close(s.work)
			s.wg.Wait()
			log.Printf("[scheduler] stopped")
			return
		case <-ticker.C:
		}
	}
}

// sweep dispatches every active repo not already claimed by this process.
// Dispatch is non-blocking: a busy pool just means the repo waits for the
// next sweep, which keeps the sweep loop responsive to shutdown.
func (s *Scheduler) sweep(ctx context.Context) {
	repos, err := s.store.ReposWithWork(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[scheduler] sweep failed: %v", err)
		}
		return
	}
	// Shuffle so one hot repo cannot monopolize the pool slot order.
	rand.Shuffle(len(repos), func(i, j int) { repos[i], repos[j] = repos[j], repos[i] })
	for _, k := range repos {
		if !s.claim(k) {
			continue
		}
		select {
		case s.work <- k:
		case <-ctx.Done():
			s.unclaim(k)
			return
		default:
			s.unclaim(k)
		}
	}
}

func (s *Scheduler) claim(k queue.RepoKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inWork[k] {
		return false
	}
	s.inWork[k] = true
	return true
}

func (s *Scheduler) unclaim(k queue.RepoKey) {
	s.mu.Lock()
	delete(s.inWork, k)
	s.mu.Unlock()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for k := range s.work {
		s.drainRepo(ctx, k)
		s.unclaim(k)
	}
}

// drainRepo processes the repo's queue under a single lease until the queue
// empties, the installation throttles, the lease is lost, or ctx ends.
func (s *Scheduler) drainRepo(ctx context.Context, k queue.RepoKey) {
	if s.throttled(ctx, k.InstallationID) {
		return
	}

	token, ok, err := s.store.AcquireLease(ctx, k, s.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[scheduler] acquire lease %s: %v", k, err)
		}
		return
	}
	if !ok {
		// Another worker or process holds the repo.
		return
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, k, token); err != nil && ctx.Err() == nil {
			log.Printf("[scheduler] release lease %s: %v", k, err)
		}
	}()

	first := true
	for ctx.Err() == nil {
		if s.throttled(ctx, k.InstallationID) {
			return
		}
		// Re-arm the lease before every item after the first. A queue of
		// quick items can outlive the TTL without the pipeline ever
		// heartbeating, and a drain must stop the moment a rival holds
		// the repo.
		if !first {
			ok, err := s.store.RefreshLease(ctx, k, token, s.cfg.LeaseTTL)
			if err != nil || !ok {
				if ctx.Err() == nil {
					s.m.WorkerLockLost.WithLabelValues(k.Owner, k.Repo).Inc()
					log.Printf("[scheduler] lease lost for %s between items", k)
				}
				return
			}
		}
		first = false

		item, err := s.store.PopHead(ctx, k)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[scheduler] pop %s: %v", k, err)
			}
			return
		}
		if item == nil {
			return
		}

		res := s.pipe.Run(ctx, item, token)
		if !s.dispose(ctx, item, res) {
			return
		}
		if res.Disposition == pipeline.Throttled || res.Disposition == pipeline.LeaseLost {
			return
		}
	}
}

func (s *Scheduler) throttled(ctx context.Context, installationID int64) bool {
	until, active, err := s.store.GetThrottle(ctx, installationID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[scheduler] throttle check for %d: %v", installationID, err)
		}
		return false
	}
	return active && s.now().Before(until)
}

// dispose applies the pipeline verdict to the queue. Returns false when the
// store mutation failed and the repo drain should stop; the in-flight slot
// keeps the item safe either way.
func (s *Scheduler) dispose(ctx context.Context, item *queue.WorkItem, res pipeline.Result) bool {
	switch res.Disposition {
	case pipeline.Done, pipeline.Drop:
		if err := s.store.Complete(ctx, item); err != nil {
			log.Printf("[scheduler] complete %s: %v", item.DedupKey(), err)
			return false
		}
		if res.Disposition == pipeline.Drop {
			log.Printf("[scheduler] dropped %s: %s (%s)", item.DedupKey(), res.Reason, res.Phase)
		}
		return true

	case pipeline.DeadLetter:
		return s.deadLetter(ctx, item, res.Reason)

	case pipeline.Throttled:
		// Cooldown engaged before any merge attempt. The item keeps the
		// head and its attempt count; work resumes after the window.
		if err := s.store.RequeueHead(ctx, item); err != nil {
			log.Printf("[scheduler] requeue head %s: %v", item.DedupKey(), err)
			return false
		}
		return true

	case pipeline.Retry, pipeline.RetryHead:
		return s.retry(ctx, item, res)

	case pipeline.LeaseLost:
		// No queue mutation: the inflight slot still holds the item and the
		// next lease holder recovers it.
		return true
	}
	return true
}

// retry handles the starvation window first: an item that has camped on the
// queue past the window gets exactly one free trip to the tail so younger
// siblings can progress. After that, the retry budget applies.
func (s *Scheduler) retry(ctx context.Context, item *queue.WorkItem, res pipeline.Result) bool {
	k := item.Key()

	if !item.StarvationRequeued && s.now().Sub(item.FirstSeenAt) > s.cfg.StarvationWindow {
		item.StarvationRequeued = true
		item.FirstSeenAt = s.now().UTC()
		if err := s.store.RequeueTail(ctx, item); err != nil {
			log.Printf("[scheduler] starvation requeue %s: %v", item.DedupKey(), err)
			return false
		}
		s.m.StarvationRequeues.WithLabelValues(k.Owner, k.Repo).Inc()
		log.Printf("[scheduler] starvation requeue %s after %s", item.DedupKey(), res.Reason)
		return true
	}

	item.Attempt++
	if item.Attempt >= s.cfg.MaxRetries {
		return s.deadLetter(ctx, item, "retry_budget_exhausted:"+res.Reason)
	}
	s.m.Retries.WithLabelValues(res.Phase, res.Reason).Inc()

	var err error
	if res.Disposition == pipeline.RetryHead {
		err = s.store.RequeueHead(ctx, item)
	} else {
		err = s.store.RequeueTail(ctx, item)
	}
	if err != nil {
		log.Printf("[scheduler] requeue %s: %v", item.DedupKey(), err)
		return false
	}
	return true
}

func (s *Scheduler) deadLetter(ctx context.Context, item *queue.WorkItem, reason string) bool {
	if err := s.store.PushDeadLetter(ctx, item, reason); err != nil {
		log.Printf("[scheduler] dead-letter %s: %v", item.DedupKey(), err)
		return false
	}
	log.Printf("[scheduler] dead-lettered %s: %s", item.DedupKey(), reason)
	return true
}
