package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mergebot/internal/metrics"
)

// Store is the durable queue store: per-repo FIFO list, dedupe set,
// token-gated lease, per-installation throttle window, and dead-letter
// list, all on Redis. Multi-step mutations run as Lua scripts so that the
// dedupe invariant (key in set <=> item queued or in flight) holds under
// concurrent workers in any number of processes.
type Store struct {
	rdb *redis.Client
	ns  string
	m   *metrics.Metrics
}

func New(redisURL, namespace string, m *metrics.Metrics) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), namespace, m), nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, namespace string, m *metrics.Metrics) *Store {
	return &Store{rdb: rdb, ns: namespace, m: m}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) key(kind string, parts ...string) string {
	return s.ns + ":" + kind + ":" + strings.Join(parts, "/")
}

func (s *Store) queueKey(k RepoKey) string {
	return s.key("queue", strconv.FormatInt(k.InstallationID, 10), k.Owner, k.Repo)
}
func (s *Store) dedupeKey(k RepoKey) string {
	return s.key("dedupe", strconv.FormatInt(k.InstallationID, 10), k.Owner, k.Repo)
}
func (s *Store) lockKey(k RepoKey) string {
	return s.key("lock", strconv.FormatInt(k.InstallationID, 10), k.Owner, k.Repo)
}
func (s *Store) inflightKey(k RepoKey) string {
	return s.key("inflight", strconv.FormatInt(k.InstallationID, 10), k.Owner, k.Repo)
}
func (s *Store) dlqKey(k RepoKey) string {
	return s.key("dlq", strconv.FormatInt(k.InstallationID, 10), k.Owner, k.Repo)
}
func (s *Store) throttleKey(installationID int64) string {
	return s.key("throttle", strconv.FormatInt(installationID, 10))
}
func (s *Store) reposKey() string { return s.ns + ":repos" }

func (s *Store) observe(op string, start time.Time) {
	s.m.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

var enqueueScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return redis.call('LLEN', KEYS[1])
`)

// popScript hands back the in-flight item first: a lease holder that died
// mid-run leaves its item in the inflight slot, and the next holder must
// finish it before touching the FIFO.
var popScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur then
  return cur
end
local item = redis.call('LPOP', KEYS[1])
if not item then
  return false
end
redis.call('SET', KEYS[2], item)
return item
`)

var completeScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

var requeueScript = redis.NewScript(`
if ARGV[3] == 'head' then
  redis.call('LPUSH', KEYS[1], ARGV[1])
else
  redis.call('RPUSH', KEYS[1], ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[3])
redis.call('SADD', KEYS[4], ARGV[4])
return 1
`)

var dlqScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[3])
return 1
`)

var refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Enqueue appends the item unless its dedup key is already present.
// Returns false when the event was collapsed into an existing item.
func (s *Store) Enqueue(ctx context.Context, item *WorkItem) (bool, error) {
	k := item.Key()
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal work item: %w", err)
	}
	start := time.Now()
	res, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.queueKey(k), s.dedupeKey(k), s.reposKey()},
		item.DedupKey(), payload, k.Member()).Int64()
	s.observe("enqueue", start)
	if err != nil {
		s.m.QueuePushFailures.WithLabelValues(k.Owner, k.Repo).Inc()
		return false, fmt.Errorf("enqueue %s: %w", item.DedupKey(), err)
	}
	if res < 0 {
		s.m.EventsDeduped.WithLabelValues(k.Owner, k.Repo).Inc()
		return false, nil
	}
	s.m.EventsEnqueued.WithLabelValues(k.Owner, k.Repo).Inc()
	s.updateGauges(ctx, k)
	return true, nil
}

// PopHead atomically claims the next item for the repo. The dedupe entry is
// NOT removed: the item is now in flight and later disposed via Complete,
// RequeueTail/RequeueHead or PushDeadLetter. Returns nil when empty.
func (s *Store) PopHead(ctx context.Context, k RepoKey) (*WorkItem, error) {
	start := time.Now()
	raw, err := popScript.Run(ctx, s.rdb,
		[]string{s.queueKey(k), s.inflightKey(k)}).Text()
	s.observe("pop", start)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.m.QueuePopsEmpty.WithLabelValues(k.Owner, k.Repo).Inc()
			s.pruneRepoIndex(ctx, k)
			s.updateGauges(ctx, k)
			return nil, nil
		}
		return nil, fmt.Errorf("pop %s: %w", k, err)
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode work item for %s: %w", k, err)
	}
	s.m.QueuePops.WithLabelValues(k.Owner, k.Repo).Inc()
	s.updateGauges(ctx, k)
	return &item, nil
}

// Complete removes the dedup entry and clears the in-flight slot. Called on
// merge success, ineligibility drops, and explicit admin drops.
func (s *Store) Complete(ctx context.Context, item *WorkItem) error {
	k := item.Key()
	start := time.Now()
	_, err := completeScript.Run(ctx, s.rdb,
		[]string{s.dedupeKey(k), s.inflightKey(k)}, item.DedupKey()).Result()
	s.observe("complete", start)
	if err != nil {
		return fmt.Errorf("complete %s: %w", item.DedupKey(), err)
	}
	return nil
}

// RequeueTail appends the in-flight item back to the tail, keeping its
// dedupe entry. Used for retries and the starvation requeue.
func (s *Store) RequeueTail(ctx context.Context, item *WorkItem) error {
	return s.requeue(ctx, item, "tail")
}

// RequeueHead puts the in-flight item back at the head. Used when an
// installation throttle interrupts processing: the item keeps its turn.
func (s *Store) RequeueHead(ctx context.Context, item *WorkItem) error {
	return s.requeue(ctx, item, "head")
}

func (s *Store) requeue(ctx context.Context, item *WorkItem, where string) error {
	k := item.Key()
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	start := time.Now()
	_, err = requeueScript.Run(ctx, s.rdb,
		[]string{s.queueKey(k), s.dedupeKey(k), s.inflightKey(k), s.reposKey()},
		payload, item.DedupKey(), where, k.Member()).Result()
	s.observe("requeue", start)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", item.DedupKey(), err)
	}
	s.updateGauges(ctx, k)
	return nil
}

// PushDeadLetter moves the item to the repo's dead-letter list and removes
// its dedupe entry, so later events for the same PR enqueue fresh work.
func (s *Store) PushDeadLetter(ctx context.Context, item *WorkItem, reason string) error {
	k := item.Key()
	payload, err := json.Marshal(DeadLetter{Item: *item, Reason: reason, DeadAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	start := time.Now()
	_, err = dlqScript.Run(ctx, s.rdb,
		[]string{s.dlqKey(k), s.dedupeKey(k), s.inflightKey(k)},
		payload, item.DedupKey()).Result()
	s.observe("dlq_push", start)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", item.DedupKey(), err)
	}
	s.m.DLQPushes.WithLabelValues(k.Owner, k.Repo).Inc()
	return nil
}

// DeadLetters returns the repo's dead-letter list, oldest first.
func (s *Store) DeadLetters(ctx context.Context, k RepoKey) ([]DeadLetter, error) {
	raw, err := s.rdb.LRange(ctx, s.dlqKey(k), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq %s: %w", k, err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReplayDeadLetters drains the repo's DLQ back into the work queue with
// fresh retry state. Returns the number of items re-enqueued.
func (s *Store) ReplayDeadLetters(ctx context.Context, k RepoKey) (int, error) {
	replayed := 0
	for {
		raw, err := s.rdb.LPop(ctx, s.dlqKey(k)).Result()
		if errors.Is(err, redis.Nil) {
			return replayed, nil
		}
		if err != nil {
			return replayed, fmt.Errorf("replay dlq %s: %w", k, err)
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		item := dl.Item
		item.Attempt = 0
		item.StarvationRequeued = false
		item.FirstSeenAt = time.Now().UTC()
		if _, err := s.Enqueue(ctx, &item); err != nil {
			return replayed, err
		}
		replayed++
	}
}

// AcquireLease claims the repo's pipeline slot for ttl. The returned token
// is a fresh nonce; refresh and release only succeed while the stored token
// still matches, so a stale holder cannot extend a lease that expired and
// was taken over.
func (s *Store) AcquireLease(ctx context.Context, k RepoKey, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	start := time.Now()
	ok, err := s.rdb.SetNX(ctx, s.lockKey(k), token, ttl).Result()
	s.observe("acquire_lock", start)
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", k, err)
	}
	if !ok {
		s.m.WorkerLockFailed.WithLabelValues(k.Owner, k.Repo).Inc()
		return "", false, nil
	}
	s.m.WorkerLockAcquired.WithLabelValues(k.Owner, k.Repo).Inc()
	s.m.WorkerActive.WithLabelValues(k.Owner, k.Repo).Set(1)
	return token, true, nil
}

// RefreshLease extends the lease TTL if the token still matches.
func (s *Store) RefreshLease(ctx context.Context, k RepoKey, token string, ttl time.Duration) (bool, error) {
	start := time.Now()
	res, err := refreshLockScript.Run(ctx, s.rdb,
		[]string{s.lockKey(k)}, token, int(ttl.Seconds())).Int64()
	s.observe("refresh_lock", start)
	if err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", k, err)
	}
	return res == 1, nil
}

// ReleaseLease deletes the lease if the token still matches.
func (s *Store) ReleaseLease(ctx context.Context, k RepoKey, token string) error {
	start := time.Now()
	_, err := releaseLockScript.Run(ctx, s.rdb, []string{s.lockKey(k)}, token).Result()
	s.observe("release_lock", start)
	s.m.WorkerActive.WithLabelValues(k.Owner, k.Repo).Set(0)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", k, err)
	}
	return nil
}

type throttleRecord struct {
	Until  float64 `json:"until"`
	Reason string  `json:"reason"`
}

// SetThrottle opens a cooldown window for the installation; the scheduler
// skips all of its repos until the window expires.
func (s *Store) SetThrottle(ctx context.Context, installationID int64, until time.Time, reason string) error {
	ttl := time.Until(until)
	if ttl < time.Second {
		ttl = time.Second
	}
	payload, _ := json.Marshal(throttleRecord{Until: float64(until.Unix()), Reason: reason})
	if err := s.rdb.Set(ctx, s.throttleKey(installationID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set throttle for %d: %w", installationID, err)
	}
	inst := strconv.FormatInt(installationID, 10)
	s.m.BackpressureActive.WithLabelValues(inst).Set(1)
	return nil
}

// GetThrottle reports the active cooldown window, if any.
func (s *Store) GetThrottle(ctx context.Context, installationID int64) (time.Time, bool, error) {
	inst := strconv.FormatInt(installationID, 10)
	raw, err := s.rdb.Get(ctx, s.throttleKey(installationID)).Result()
	if errors.Is(err, redis.Nil) {
		s.m.BackpressureActive.WithLabelValues(inst).Set(0)
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get throttle for %d: %w", installationID, err)
	}
	var rec throttleRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return time.Time{}, false, nil
	}
	s.m.BackpressureActive.WithLabelValues(inst).Set(1)
	return time.Unix(int64(rec.Until), 0), true, nil
}

func (s *Store) ClearThrottle(ctx context.Context, installationID int64) error {
	err := s.rdb.Del(ctx, s.throttleKey(installationID)).Err()
	s.m.BackpressureActive.WithLabelValues(strconv.FormatInt(installationID, 10)).Set(0)
	return err
}

// ReposWithWork lists repos currently indexed as having queued or in-flight
// items. Enqueue and requeue maintain the index; PopHead prunes entries
// once both the queue and the dedupe set are empty.
func (s *Store) ReposWithWork(ctx context.Context) ([]RepoKey, error) {
	members, err := s.rdb.SMembers(ctx, s.reposKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list repos with work: %w", err)
	}
	out := make([]RepoKey, 0, len(members))
	for _, mbr := range members {
		k, ok := parseRepoMember(mbr)
		if !ok {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func parseRepoMember(member string) (RepoKey, bool) {
	instStr, rest, ok := strings.Cut(member, ":")
	if !ok {
		return RepoKey{}, false
	}
	owner, repo, ok := strings.Cut(rest, "/")
	if !ok {
		return RepoKey{}, false
	}
	inst, err := strconv.ParseInt(instStr, 10, 64)
	if err != nil {
		return RepoKey{}, false
	}
	return RepoKey{InstallationID: inst, Owner: owner, Repo: repo}, true
}

func (s *Store) pruneRepoIndex(ctx context.Context, k RepoKey) {
	depth, err := s.rdb.LLen(ctx, s.queueKey(k)).Result()
	if err != nil || depth > 0 {
		return
	}
	pending, err := s.rdb.SCard(ctx, s.dedupeKey(k)).Result()
	if err != nil || pending > 0 {
		return
	}
	s.rdb.SRem(ctx, s.reposKey(), k.Member())
}

// updateGauges refreshes queue_depth and queue_oldest_age_seconds.
// Best-effort: gauge maintenance never fails an operation.
func (s *Store) updateGauges(ctx context.Context, k RepoKey) {
	depth, err := s.rdb.LLen(ctx, s.queueKey(k)).Result()
	if err != nil {
		return
	}
	s.m.QueueDepth.WithLabelValues(k.Owner, k.Repo).Set(float64(depth))
	if depth == 0 {
		s.m.QueueOldestAge.WithLabelValues(k.Owner, k.Repo).Set(0)
		return
	}
	head, err := s.rdb.LIndex(ctx, s.queueKey(k), 0).Result()
	if err != nil {
		return
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(head), &item); err != nil {
		return
	}
	age := time.Since(item.EnqueuedAt).Seconds()
	if age < 0 {
		age = 0
	}
	s.m.QueueOldestAge.WithLabelValues(k.Owner, k.Repo).Set(age)
}
