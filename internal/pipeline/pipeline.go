package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"mergebot/internal/github"
	"mergebot/internal/metrics"
	"mergebot/internal/policy"
	"mergebot/internal/queue"
)

// API is the facade surface the pipeline drives.
type API interface {
	GetPullRequest(ctx context.Context, installationID int64, owner, repo string, number int) (*github.PullRequest, error)
	GetCombinedStatus(ctx context.Context, installationID int64, owner, repo, sha string) (*github.CombinedStatus, error)
	ListCheckSuites(ctx context.Context, installationID int64, owner, repo, sha string) ([]github.CheckSuite, error)
	LoadPolicyFile(ctx context.Context, installationID int64, owner, repo, ref, filePath string) ([]byte, bool, error)
	UpdateBranch(ctx context.Context, installationID int64, owner, repo string, number int) (github.UpdateBranchResult, error)
	MergePullRequest(ctx context.Context, installationID int64, owner, repo string, number int, expectedSHA, method, title, body string) (github.MergeResult, error)
}

// Leases is the slice of the queue store used for heartbeating.
type Leases interface {
	RefreshLease(ctx context.Context, k queue.RepoKey, token string, ttl time.Duration) (bool, error)
}

// Disposition tells the scheduler how to dispose of the in-flight item.
type Disposition int

const (
	// Done: merged. Complete the item.
	Done Disposition = iota
	// Drop: ineligible or terminally failed checks. Complete the item;
	// later events re-enqueue.
	Drop
	// Retry: transient failure. Attempt+1, requeue at the tail (budget
	// permitting, else dead-letter).
	Retry
	// RetryHead: merge was forbidden or throttled mid-flight. Attempt+1,
	// requeue at the head so the item keeps its turn.
	RetryHead
	// Throttled: installation cooldown engaged before any merge attempt.
	// Requeue at the head, attempt unchanged.
	Throttled
	// DeadLetter: terminal failure needing manual triage.
	DeadLetter
	// LeaseLost: the heartbeat failed; no queue mutation happened and the
	// next lease holder recovers the item.
	LeaseLost
)

// Result is the pipeline's verdict on one run.
type Result struct {
	Disposition Disposition
	Phase       string
	Reason      string
}

func verdict(d Disposition, phase, reason string) Result {
	return Result{Disposition: d, Phase: phase, Reason: reason}
}

// Config carries the scheduler-level knobs the pipeline needs.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// Pipeline runs the merge state machine for one work item at a time:
// load policy, evaluate, update branch if behind, wait for checks, merge.
// All waiting happens here, under heartbeat; the scheduler holds the lease.
type Pipeline struct {
	api    API
	leases Leases
	m      *metrics.Metrics
	cfg    Config

	// Test seams. Defaults to the real clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(api API, leases Leases, m *metrics.Metrics, cfg Config) *Pipeline {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseTTL/2 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 4
	}
	return &Pipeline{
		api:    api,
		leases: leases,
		m:      m,
		cfg:    cfg,
		now:    time.Now,
		sleep:  ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the state machine for item while the caller holds the lease
// identified by token. It never mutates the queue: the caller disposes the
// item according to the returned Result.
func (p *Pipeline) Run(ctx context.Context, item *queue.WorkItem, leaseToken string) Result {
	inst, owner, repo, number := item.InstallationID, item.Owner, item.Repo, item.Number

	// EVALUATE: fetch the snapshot first; the policy lives on the base ref.
	start := p.now()
	pr, err := p.api.GetPullRequest(ctx, inst, owner, repo, number)
	if err != nil {
		return p.classifyErr(err, "evaluate")
	}

	pol, res, ok := p.loadPolicy(ctx, item, pr.BaseRef)
	if !ok {
		return res
	}

	if res, eligible := p.evaluate(pr, pol); !eligible {
		p.observePhase("evaluate", owner, repo, start)
		return res
	}
	p.observePhase("evaluate", owner, repo, start)

	// UPDATE_BRANCH
	if pol.RequireUpToDate && pr.BehindBy > 0 {
		if !pol.UpdateBranch {
			return verdict(Drop, "evaluate", "behind")
		}
		start = p.now()
		result, err := p.api.UpdateBranch(ctx, inst, owner, repo, number)
		p.observePhase("update_branch", owner, repo, start)
		if err != nil {
			return p.classifyErr(err, "update_branch")
		}
		p.m.BranchUpdates.WithLabelValues(string(result)).Inc()
		switch result {
		case github.UpdateConflict:
			return verdict(DeadLetter, "update_branch", "branch_update_failed")
		case github.UpdateOK:
			// The platform synthesizes a new head; give it one poll tick
			// and re-fetch so WAIT_CHECKS watches the right SHA.
			if res, ok := p.pause(ctx, item, leaseToken, "update_branch",
				time.Duration(pol.PollIntervalSeconds)*time.Second); !ok {
				return res
			}
			pr, err = p.api.GetPullRequest(ctx, inst, owner, repo, number)
			if err != nil {
				return p.classifyErr(err, "update_branch")
			}
		}
	}

	// WAIT_CHECKS
	headSHA := pr.HeadSHA
	waitStart := p.now()
	res, ok = p.waitForChecks(ctx, item, headSHA, pol, leaseToken)
	p.m.ChecksWait.Observe(p.now().Sub(waitStart).Seconds())
	p.observePhase("wait_checks", owner, repo, waitStart)
	if !ok {
		return res
	}

	// MERGE
	start = p.now()
	res = p.merge(ctx, item, pol, headSHA)
	p.observePhase("merge", owner, repo, start)
	return res
}

func (p *Pipeline) observePhase(phase, owner, repo string, start time.Time) {
	p.m.WorkerProcessing.WithLabelValues(phase, owner, repo).Observe(p.now().Sub(start).Seconds())
}

// loadPolicy fetches and parses the repo policy on ref. Missing file means
// defaults; parse failure is terminal (config_invalid).
func (p *Pipeline) loadPolicy(ctx context.Context, item *queue.WorkItem, ref string) (policy.Policy, Result, bool) {
	data, found, err := p.api.LoadPolicyFile(ctx, item.InstallationID, item.Owner, item.Repo, ref, policy.FilePath)
	if err == nil && !found {
		data, found, err = p.api.LoadPolicyFile(ctx, item.InstallationID, item.Owner, item.Repo, ref, policy.FilePathAlt)
	}
	if err != nil {
		if github.IsKind(err, github.KindConfig) {
			p.m.ConfigLoadFailures.Inc()
			return policy.Policy{}, verdict(DeadLetter, "load_policy", "config_invalid"), false
		}
		return policy.Policy{}, p.classifyErr(err, "load_policy"), false
	}
	if !found {
		return policy.Default(), Result{}, true
	}
	pol, err := policy.Parse(data)
	if err != nil {
		p.m.ConfigLoadFailures.Inc()
		log.Printf("[pipeline] invalid policy for %s/%s: %v", item.Owner, item.Repo, err)
		return policy.Policy{}, verdict(DeadLetter, "load_policy", "config_invalid"), false
	}
	return pol, Result{}, true
}

// evaluate applies the eligibility gate. Ineligible PRs are dropped; a
// later event re-enqueues them if conditions change.
func (p *Pipeline) evaluate(pr *github.PullRequest, pol policy.Policy) (Result, bool) {
	switch {
	case pr.State != "open":
		return verdict(Drop, "evaluate", "closed"), false
	case pr.Draft:
		return verdict(Drop, "evaluate", "draft"), false
	case pr.Locked:
		return verdict(Drop, "evaluate", "locked"), false
	case !pr.HasLabel(pol.Label):
		return verdict(Drop, "evaluate", "missing_label"), false
	case pr.MergeableState == "dirty":
		return verdict(Drop, "evaluate", "merge_conflict"), false
	case pr.MergeableState == "blocked":
		// Branch protection wants something the service cannot provide
		// (reviews, required checks not configured here). Manual attention;
		// a subsequent event re-triggers.
		p.m.MergeBlocked.WithLabelValues("blocked").Inc()
		return verdict(Drop, "evaluate", "blocked_by_policy"), false
	}
	return Result{}, true
}

// checkState classifies one polling tick.
type checkState int

const (
	checksPending checkState = iota
	checksGreen
	checksFailing
)

var greenConclusions = map[string]bool{
	"success": true,
	"neutral": true,
	"skipped": true,
}

func classifyChecks(cs *github.CombinedStatus, suites []github.CheckSuite, pol policy.Policy) checkState {
	if cs.State == github.StatusFailure {
		return checksFailing
	}
	for _, s := range suites {
		if s.Status == "completed" && s.Conclusion != "" && !greenConclusions[s.Conclusion] {
			return checksFailing
		}
	}
	if cs.State == github.StatusNone && len(suites) == 0 {
		// Repo reports no checks at all for this SHA.
		if pol.AllowMergeWhenNoChecks {
			return checksGreen
		}
		return checksPending
	}
	if cs.State != github.StatusSuccess && cs.State != github.StatusNone {
		return checksPending
	}
	for _, s := range suites {
		if s.Status != "completed" {
			return checksPending
		}
	}
	return checksGreen
}

// waitForChecks polls until the SHA goes green, fails, or the policy's
// wait ceiling passes. Every poll sleep heartbeats the repo lease; losing
// it aborts the run with no side effects.
func (p *Pipeline) waitForChecks(ctx context.Context, item *queue.WorkItem, sha string, pol policy.Policy, leaseToken string) (Result, bool) {
	deadline := p.now().Add(time.Duration(pol.MaxWaitMinutes) * time.Minute)
	poll := time.Duration(pol.PollIntervalSeconds) * time.Second

	for {
		cs, err := p.api.GetCombinedStatus(ctx, item.InstallationID, item.Owner, item.Repo, sha)
		if err != nil {
			return p.classifyErr(err, "wait_checks"), false
		}
		suites, err := p.api.ListCheckSuites(ctx, item.InstallationID, item.Owner, item.Repo, sha)
		if err != nil {
			return p.classifyErr(err, "wait_checks"), false
		}

		switch classifyChecks(cs, suites, pol) {
		case checksGreen:
			return Result{}, true
		case checksFailing:
			return verdict(Drop, "wait_checks", "checks_failed"), false
		}

		if p.now().After(deadline) {
			return verdict(Retry, "wait_checks", "checks_timeout"), false
		}
		if res, ok := p.pause(ctx, item, leaseToken, "wait_checks", poll); !ok {
			return res, false
		}
	}
}

// pause sleeps for d in slices no longer than the heartbeat interval,
// refreshing the lease after each slice. A repo policy may set a poll
// interval far beyond the lease TTL; the lease must stay alive regardless.
func (p *Pipeline) pause(ctx context.Context, item *queue.WorkItem, leaseToken, phase string, d time.Duration) (Result, bool) {
	k := item.Key()
	for remaining := d; remaining > 0; {
		step := remaining
		if step > p.cfg.HeartbeatInterval {
			step = p.cfg.HeartbeatInterval
		}
		if err := p.sleep(ctx, step); err != nil {
			return verdict(Retry, phase, "canceled"), false
		}
		remaining -= step

		ok, err := p.leases.RefreshLease(ctx, k, leaseToken, p.cfg.LeaseTTL)
		if err != nil || !ok {
			p.m.WorkerLockLost.WithLabelValues(item.Owner, item.Repo).Inc()
			log.Printf("[pipeline] lease lost for %s during %s", k, phase)
			return verdict(LeaseLost, phase, "lease_lost"), false
		}
	}
	return Result{}, true
}

// merge re-fetches, re-validates against the policy, renders the commit
// message and performs the one non-idempotent call of the whole pipeline.
func (p *Pipeline) merge(ctx context.Context, item *queue.WorkItem, pol policy.Policy, expectedSHA string) Result {
	inst, owner, repo, number := item.InstallationID, item.Owner, item.Repo, item.Number

	pr, err := p.api.GetPullRequest(ctx, inst, owner, repo, number)
	if err != nil {
		return p.classifyErr(err, "merge")
	}
	if res, eligible := p.evaluate(pr, pol); !eligible {
		return res
	}
	if pr.Mergeable != nil && !*pr.Mergeable {
		return verdict(Drop, "merge", "not_mergeable")
	}
	if pr.HeadSHA != expectedSHA {
		// A new head arrived while waiting. Same treatment as the API's
		// expected-SHA rejection: the item keeps its turn and the next
		// attempt re-runs against the new head.
		return verdict(RetryHead, "merge", "mismatched_sha")
	}

	vars := map[string]string{
		"number": fmt.Sprintf("%d", number),
		"title":  pr.Title,
		"body":   pr.Body,
		"head":   pr.HeadRef,
		"base":   pr.BaseRef,
		"user":   pr.User,
	}
	title, err := policy.Render(pol.TitleTemplate, vars)
	if err != nil {
		p.m.ConfigLoadFailures.Inc()
		return verdict(DeadLetter, "merge", "config_invalid")
	}
	body, err := policy.Render(pol.BodyTemplate, vars)
	if err != nil {
		p.m.ConfigLoadFailures.Inc()
		return verdict(DeadLetter, "merge", "config_invalid")
	}

	result, err := p.api.MergePullRequest(ctx, inst, owner, repo, number, expectedSHA, pol.MergeMethod, title, body)
	if err != nil {
		if github.IsKind(err, github.KindThrottled) {
			return verdict(RetryHead, "merge", "throttled")
		}
		// Ambiguous outcome: the merge may or may not have landed. The next
		// attempt re-runs from EVALUATE, where a merged PR shows as closed.
		p.m.MergeAttempts.WithLabelValues(pol.MergeMethod, "error").Inc()
		return verdict(Retry, "merge", "merge_transport")
	}

	switch result {
	case github.MergeOK:
		p.m.MergeAttempts.WithLabelValues(pol.MergeMethod, "success").Inc()
		p.m.MergesSuccess.WithLabelValues(pol.MergeMethod).Inc()
		log.Printf("[pipeline] merged %s/%s#%d via %s", owner, repo, number, pol.MergeMethod)
		return verdict(Done, "merge", "merged")
	case github.MergeMismatchedSHA:
		p.m.MergeAttempts.WithLabelValues(pol.MergeMethod, "mismatched_sha").Inc()
		return verdict(RetryHead, "merge", "mismatched_sha")
	case github.MergeNotMergeable:
		p.m.MergeAttempts.WithLabelValues(pol.MergeMethod, "not_mergeable").Inc()
		p.m.MergesFailed.WithLabelValues("not_mergeable").Inc()
		return verdict(Drop, "merge", "not_mergeable")
	case github.MergeForbidden:
		p.m.MergeAttempts.WithLabelValues(pol.MergeMethod, "forbidden").Inc()
		return verdict(RetryHead, "merge", "forbidden")
	default:
		p.m.MergeAttempts.WithLabelValues(pol.MergeMethod, "error").Inc()
		return verdict(Retry, "merge", "merge_error")
	}
}

// classifyErr maps facade error kinds onto dispositions per the error
// taxonomy: throttled waits at the head, everything else transient retries.
func (p *Pipeline) classifyErr(err error, phase string) Result {
	switch {
	case github.IsKind(err, github.KindThrottled):
		return verdict(Throttled, phase, "throttled")
	case github.IsKind(err, github.KindNotFound):
		// PR or repo vanished; nothing to do.
		return verdict(Drop, phase, "not_found")
	default:
		log.Printf("[pipeline] transient error in %s: %v", phase, err)
		return verdict(Retry, phase, "api_error")
	}
}
