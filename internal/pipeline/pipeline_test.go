package pipeline

import (
	"context"
	"testing"
	"time"

	"mergebot/internal/github"
	"mergebot/internal/metrics"
	"mergebot/internal/queue"
)

type fakeAPI struct {
	pr         *github.PullRequest
	prs        []*github.PullRequest // consumed per GetPullRequest call
	prErr      error
	status     *github.CombinedStatus
	statuses   []*github.CombinedStatus // consumed per call
	suites     []github.CheckSuite
	policyDoc  []byte
	policyErr  error
	update     github.UpdateBranchResult
	updateErr  error
	merge      github.MergeResult
	mergeErr   error
	mergeCalls int
	mergeTitle string
	mergeSHA   string
	mergeMeth  string
	updates    int
}

func (f *fakeAPI) GetPullRequest(ctx context.Context, inst int64, owner, repo string, number int) (*github.PullRequest, error) {
	if f.prErr != nil {
		return nil, f.prErr
	}
	if len(f.prs) > 0 {
		pr := f.prs[0]
		if len(f.prs) > 1 {
			f.prs = f.prs[1:]
		}
		return pr, nil
	}
	cp := *f.pr
	return &cp, nil
}

func (f *fakeAPI) GetCombinedStatus(ctx context.Context, inst int64, owner, repo, sha string) (*github.CombinedStatus, error) {
	if len(f.statuses) > 0 {
		s := f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
		return s, nil
	}
	if f.status != nil {
		return f.status, nil
	}
	return &github.CombinedStatus{State: github.StatusSuccess, TotalCount: 1}, nil
}

func (f *fakeAPI) ListCheckSuites(ctx context.Context, inst int64, owner, repo, sha string) ([]github.CheckSuite, error) {
	return f.suites, nil
}

func (f *fakeAPI) LoadPolicyFile(ctx context.Context, inst int64, owner, repo, ref, filePath string) ([]byte, bool, error) {
	if f.policyErr != nil {
		return nil, false, f.policyErr
	}
	if f.policyDoc == nil {
		return nil, false, nil
	}
	return f.policyDoc, true, nil
}

func (f *fakeAPI) UpdateBranch(ctx context.Context, inst int64, owner, repo string, number int) (github.UpdateBranchResult, error) {
	f.updates++
	if f.updateErr != nil {
		return "", f.updateErr
	}
	return f.update, nil
}

func (f *fakeAPI) MergePullRequest(ctx context.Context, inst int64, owner, repo string, number int, sha, method, title, body string) (github.MergeResult, error) {
	f.mergeCalls++
	f.mergeSHA = sha
	f.mergeMeth = method
	f.mergeTitle = title
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	if f.merge == "" {
		return github.MergeOK, nil
	}
	return f.merge, nil
}

type fakeLeases struct {
	ok        bool
	refreshes int
}

func (f *fakeLeases) RefreshLease(ctx context.Context, k queue.RepoKey, token string, ttl time.Duration) (bool, error) {
	f.refreshes++
	return f.ok, nil
}

func openPR(sha string) *github.PullRequest {
	mergeable := true
	return &github.PullRequest{
		Number:         7,
		State:          "open",
		Labels:         []string{"automerge"},
		HeadSHA:        sha,
		HeadRef:        "feature",
		BaseRef:        "main",
		Mergeable:      &mergeable,
		MergeableState: "clean",
		User:           "dev",
		Title:          "Add retry",
		Body:           "details",
	}
}

func newTestPipeline(api *fakeAPI, leases *fakeLeases) *Pipeline {
	p := New(api, leases, metrics.New("test"), Config{
		LeaseTTL:          60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	})
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func item() *queue.WorkItem {
	now := time.Now().UTC()
	return &queue.WorkItem{
		InstallationID: 42, Owner: "octo", Repo: "widgets", Number: 7,
		EnqueuedAt: now, FirstSeenAt: now,
	}
}

func TestPipeline_HappyPathMerges(t *testing.T) {
	api := &fakeAPI{pr: openPR("abc")}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Done {
		t.Fatalf("expected Done, got %+v", res)
	}
	if api.mergeCalls != 1 {
		t.Fatalf("expected exactly one merge call, got %d", api.mergeCalls)
	}
	if api.mergeSHA != "abc" || api.mergeMeth != "squash" {
		t.Errorf("merge called with sha=%q method=%q", api.mergeSHA, api.mergeMeth)
	}
	// Default title template.
	if api.mergeTitle != "Add retry (#7)" {
		t.Errorf("title = %q", api.mergeTitle)
	}
}

func TestPipeline_PolicyOverridesMethod(t *testing.T) {
	api := &fakeAPI{pr: openPR("abc"), policyDoc: []byte("merge_method: rebase\n")}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Done {
		t.Fatalf("expected Done, got %+v", res)
	}
	if api.mergeMeth != "rebase" {
		t.Errorf("method = %q", api.mergeMeth)
	}
}

func TestPipeline_InvalidPolicyDeadLetters(t *testing.T) {
	api := &fakeAPI{pr: openPR("abc"), policyDoc: []byte("merge_method: [broken\n")}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != DeadLetter || res.Reason != "config_invalid" {
		t.Fatalf("expected config_invalid dead letter, got %+v", res)
	}
	if api.mergeCalls != 0 {
		t.Error("must not merge under a broken policy")
	}
}

func TestPipeline_IneligibleDrops(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*github.PullRequest)
		reason string
	}{
		{"closed", func(pr *github.PullRequest) { pr.State = "closed" }, "closed"},
		{"draft", func(pr *github.PullRequest) { pr.Draft = true }, "draft"},
		{"locked", func(pr *github.PullRequest) { pr.Locked = true }, "locked"},
		{"unlabeled", func(pr *github.PullRequest) { pr.Labels = nil }, "missing_label"},
		{"conflict", func(pr *github.PullRequest) { pr.MergeableState = "dirty" }, "merge_conflict"},
		{"blocked", func(pr *github.PullRequest) { pr.MergeableState = "blocked" }, "blocked_by_policy"},
	}
	for _, tc := range cases {
		pr := openPR("abc")
		tc.mutate(pr)
		api := &fakeAPI{pr: pr}
		p := newTestPipeline(api, &fakeLeases{ok: true})

		res := p.Run(context.Background(), item(), "tok")
		if res.Disposition != Drop || res.Reason != tc.reason {
			t.Errorf("%s: expected Drop/%s, got %+v", tc.name, tc.reason, res)
		}
		if api.mergeCalls != 0 {
			t.Errorf("%s: must not merge", tc.name)
		}
	}
}

func TestPipeline_BehindBranchUpdates(t *testing.T) {
	behind := openPR("old")
	behind.MergeableState = "behind"
	behind.BehindBy = 2
	fresh := openPR("new")
	api := &fakeAPI{
		prs:    []*github.PullRequest{behind, fresh, fresh},
		update: github.UpdateOK,
	}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Done {
		t.Fatalf("expected Done, got %+v", res)
	}
	if api.updates != 1 {
		t.Errorf("expected one update-branch call, got %d", api.updates)
	}
	// The merge must target the post-update head.
	if api.mergeSHA != "new" {
		t.Errorf("merged %q, want the refreshed head", api.mergeSHA)
	}
}

func TestPipeline_UpdateConflictDeadLetters(t *testing.T) {
	behind := openPR("old")
	behind.MergeableState = "behind"
	behind.BehindBy = 1
	api := &fakeAPI{pr: behind, update: github.UpdateConflict}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != DeadLetter || res.Reason != "branch_update_failed" {
		t.Fatalf("expected branch_update_failed dead letter, got %+v", res)
	}
}

func TestPipeline_BehindWithoutUpdateDrops(t *testing.T) {
	behind := openPR("old")
	behind.MergeableState = "behind"
	behind.BehindBy = 1
	api := &fakeAPI{pr: behind, policyDoc: []byte("update_branch: false\nmerge_method: squash\n")}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Drop || res.Reason != "behind" {
		t.Fatalf("expected Drop/behind, got %+v", res)
	}
}

func TestPipeline_ChecksFailedDrops(t *testing.T) {
	api := &fakeAPI{
		pr:     openPR("abc"),
		status: &github.CombinedStatus{State: github.StatusFailure, TotalCount: 2},
	}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Drop || res.Reason != "checks_failed" {
		t.Fatalf("expected Drop/checks_failed, got %+v", res)
	}
}

func TestPipeline_FailedSuiteDrops(t *testing.T) {
	api := &fakeAPI{
		pr:     openPR("abc"),
		status: &github.CombinedStatus{State: github.StatusNone},
		suites: []github.CheckSuite{{Status: "completed", Conclusion: "failure"}},
	}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Drop || res.Reason != "checks_failed" {
		t.Fatalf("expected Drop/checks_failed, got %+v", res)
	}
}

func TestPipeline_PendingChecksEventuallyGreen(t *testing.T) {
	api := &fakeAPI{
		pr: openPR("abc"),
		statuses: []*github.CombinedStatus{
			{State: github.StatusPending, TotalCount: 1},
			{State: github.StatusPending, TotalCount: 1},
			{State: github.StatusSuccess, TotalCount: 1},
		},
	}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Done {
		t.Fatalf("expected Done after checks go green, got %+v", res)
	}
}

func TestPipeline_ChecksTimeoutRetries(t *testing.T) {
	api := &fakeAPI{
		pr:     openPR("abc"),
		status: &github.CombinedStatus{State: github.StatusPending, TotalCount: 1},
	}
	p := newTestPipeline(api, &fakeLeases{ok: true})
	// Advance the clock past the wait ceiling on every poll.
	base := time.Now()
	offset := time.Duration(0)
	p.now = func() time.Time { return base.Add(offset) }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		offset += 2 * time.Hour
		return nil
	}

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Retry || res.Reason != "checks_timeout" {
		t.Fatalf("expected Retry/checks_timeout, got %+v", res)
	}
}

func TestPipeline_NoChecksRespectsPolicy(t *testing.T) {
	// Default policy forbids merging with no checks at all; it waits and
	// eventually times out into a retry.
	api := &fakeAPI{pr: openPR("abc"), status: &github.CombinedStatus{State: github.StatusNone}}
	p := newTestPipeline(api, &fakeLeases{ok: true})
	base := time.Now()
	offset := time.Duration(0)
	p.now = func() time.Time { return base.Add(offset) }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		offset += 2 * time.Hour
		return nil
	}
	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Retry || res.Reason != "checks_timeout" {
		t.Fatalf("expected timeout without checks, got %+v", res)
	}

	// Opting in merges straight away.
	api = &fakeAPI{
		pr:        openPR("abc"),
		status:    &github.CombinedStatus{State: github.StatusNone},
		policyDoc: []byte("allow_merge_when_no_checks: true\nmerge_method: squash\n"),
	}
	p = newTestPipeline(api, &fakeLeases{ok: true})
	res = p.Run(context.Background(), item(), "tok")
	if res.Disposition != Done {
		t.Fatalf("expected Done with allow_merge_when_no_checks, got %+v", res)
	}
}

func TestPipeline_LongPollHeartbeatsThroughSleep(t *testing.T) {
	// A repo may set a poll interval well past the lease TTL. The wait must
	// sleep in heartbeat-sized slices and refresh after each one, or the
	// lease expires mid-poll and another process can claim the repo.
	api := &fakeAPI{
		pr: openPR("abc"),
		statuses: []*github.CombinedStatus{
			{State: github.StatusPending, TotalCount: 1},
			{State: github.StatusSuccess, TotalCount: 1},
		},
		policyDoc: []byte("poll_interval_seconds: 120\nmerge_method: squash\n"),
	}
	leases := &fakeLeases{ok: true}
	p := newTestPipeline(api, leases)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Done {
		t.Fatalf("expected Done, got %+v", res)
	}
	if len(slept) == 0 {
		t.Fatal("expected the poll wait to sleep")
	}
	var total time.Duration
	for _, d := range slept {
		if d > 15*time.Second {
			t.Errorf("slept %s in one stretch, longer than the heartbeat interval", d)
		}
		total += d
	}
	if total != 120*time.Second {
		t.Errorf("slept %s in total, want the full poll interval", total)
	}
	if leases.refreshes < len(slept) {
		t.Errorf("refreshed %d times over %d sleeps, want one per slice", leases.refreshes, len(slept))
	}
}

func TestPipeline_LeaseLostAborts(t *testing.T) {
	api := &fakeAPI{
		pr:     openPR("abc"),
		status: &github.CombinedStatus{State: github.StatusPending, TotalCount: 1},
	}
	leases := &fakeLeases{ok: false}
	p := newTestPipeline(api, leases)
	base := time.Now()
	offset := time.Duration(0)
	p.now = func() time.Time { return base.Add(offset) }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		offset += 20 * time.Second
		return nil
	}

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != LeaseLost {
		t.Fatalf("expected LeaseLost, got %+v", res)
	}
	if api.mergeCalls != 0 {
		t.Error("must not merge after losing the lease")
	}
	if leases.refreshes == 0 {
		t.Error("heartbeat never ran")
	}
}

func TestPipeline_HeadChangeBeforeMergeRetriesAtHead(t *testing.T) {
	first := openPR("abc")
	moved := openPR("def")
	api := &fakeAPI{prs: []*github.PullRequest{first, moved}}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	// The new head keeps the item's turn: next attempt runs from the front
	// of the queue against the fresh SHA.
	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != RetryHead || res.Reason != "mismatched_sha" {
		t.Fatalf("expected RetryHead/mismatched_sha, got %+v", res)
	}
	if api.mergeCalls != 0 {
		t.Error("must not merge a moved head")
	}
}

func TestPipeline_MergeMismatchedSHARetriesAtHead(t *testing.T) {
	api := &fakeAPI{pr: openPR("abc"), merge: github.MergeMismatchedSHA}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != RetryHead || res.Reason != "mismatched_sha" {
		t.Fatalf("expected RetryHead/mismatched_sha, got %+v", res)
	}
}

func TestPipeline_MergeForbiddenRetriesAtHead(t *testing.T) {
	api := &fakeAPI{pr: openPR("abc"), merge: github.MergeForbidden}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != RetryHead {
		t.Fatalf("expected RetryHead, got %+v", res)
	}
}

func TestPipeline_MergeTransportErrorRetries(t *testing.T) {
	api := &fakeAPI{
		pr:       openPR("abc"),
		mergeErr: &github.Error{Kind: github.KindTransport, Message: "connection reset"},
	}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	// Ambiguous merge outcome: retry re-runs evaluation, where an already
	// merged PR would show closed and drop.
	if res.Disposition != Retry || res.Reason != "merge_transport" {
		t.Fatalf("expected Retry/merge_transport, got %+v", res)
	}
	if api.mergeCalls != 1 {
		t.Errorf("merge must not be replayed inside the pipeline, got %d calls", api.mergeCalls)
	}
}

func TestPipeline_ThrottledErrorYields(t *testing.T) {
	api := &fakeAPI{prErr: &github.Error{Kind: github.KindThrottled, StatusCode: 429, Message: "slow down"}}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Throttled {
		t.Fatalf("expected Throttled, got %+v", res)
	}
}

func TestPipeline_NotFoundDrops(t *testing.T) {
	api := &fakeAPI{prErr: &github.Error{Kind: github.KindNotFound, StatusCode: 404, Message: "gone"}}
	p := newTestPipeline(api, &fakeLeases{ok: true})

	res := p.Run(context.Background(), item(), "tok")
	if res.Disposition != Drop || res.Reason != "not_found" {
		t.Fatalf("expected Drop/not_found, got %+v", res)
	}
}
