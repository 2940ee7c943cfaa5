package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"mergebot/internal/metrics"
)

type fakeThrottle struct {
	mu     sync.Mutex
	calls  int
	until  time.Time
	reason string
}

func (f *fakeThrottle) SetThrottle(ctx context.Context, installationID int64, until time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.until = until
	f.reason = reason
	return nil
}

func newTestClient(t *testing.T, handler http.Handler, sink ThrottleSink) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		BaseURL:         srv.URL,
		Token:           "test-token",
		Metrics:         metrics.New("test"),
		Throttle:        sink,
		MinRemaining:    50,
		CooldownSeconds: 60,
		MaxBackoffSecs:  120,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClient_GetPullRequestSnapshot(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octo/widgets/pulls/7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{
			"number": 7, "state": "open", "draft": false, "locked": false,
			"title": "Add retry", "body": "details",
			"labels": [{"name": "automerge"}, {"name": "bug"}],
			"head": {"sha": "abc123", "ref": "feature"},
			"base": {"ref": "main"},
			"user": {"login": "dev"},
			"mergeable": true, "mergeable_state": "behind"
		}`))
	})
	c := newTestClient(t, handler, nil)

	pr, err := c.GetPullRequest(context.Background(), 1, "octo", "widgets", 7)
	if err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if pr.HeadSHA != "abc123" || pr.BaseRef != "main" {
		t.Errorf("bad snapshot: %+v", pr)
	}
	if !pr.HasLabel("automerge") || pr.HasLabel("automergex") {
		t.Error("label matching broken")
	}
	// behind_by absent in payload but mergeable_state says behind.
	if pr.BehindBy == 0 {
		t.Error("expected BehindBy fallback for mergeable_state=behind")
	}
}

func TestClient_RetriesIdempotentOn500(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"state": "success", "total_count": 2}`))
	})
	c := newTestClient(t, handler, nil)

	cs, err := c.GetCombinedStatus(context.Background(), 1, "octo", "widgets", "abc")
	if err != nil {
		t.Fatalf("combined status: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if cs.State != StatusSuccess {
		t.Errorf("state = %q", cs.State)
	}
}

func TestClient_MergeNeverRetries(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, handler, nil)

	_, err := c.MergePullRequest(context.Background(), 1, "octo", "widgets", 7, "abc", "squash", "t", "b")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsKind(err, KindTransport) {
		t.Errorf("expected transport kind, got %v", err)
	}
	if calls != 1 {
		t.Errorf("merge must not retry, got %d calls", calls)
	}
}

func TestClient_MergeResultMapping(t *testing.T) {
	cases := []struct {
		status int
		want   MergeResult
	}{
		{http.StatusOK, MergeOK},
		{http.StatusConflict, MergeMismatchedSHA},
		{http.StatusMethodNotAllowed, MergeNotMergeable},
		{http.StatusUnprocessableEntity, MergeNotMergeable},
		{http.StatusForbidden, MergeForbidden},
	}
	for _, tc := range cases {
		status := tc.status
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{}`))
		})
		c := newTestClient(t, handler, nil)
		got, err := c.MergePullRequest(context.Background(), 1, "o", "r", 1, "sha", "squash", "t", "b")
		if err != nil {
			t.Fatalf("status %d: %v", status, err)
		}
		if got != tc.want {
			t.Errorf("status %d: got %q, want %q", status, got, tc.want)
		}
	}
}

func TestClient_UpdateBranchVariants(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   UpdateBranchResult
	}{
		{http.StatusAccepted, `{}`, UpdateOK},
		{http.StatusUnprocessableEntity, `{"message":"Branch is already up to date"}`, UpdateNotBehind},
		{http.StatusUnprocessableEntity, `{"message":"merge conflict between base and head"}`, UpdateConflict},
	}
	for _, tc := range cases {
		tc := tc
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		})
		c := newTestClient(t, handler, nil)
		got, err := c.UpdateBranch(context.Background(), 1, "o", "r", 1)
		if err != nil {
			t.Fatalf("status %d: %v", tc.status, err)
		}
		if got != tc.want {
			t.Errorf("status %d body %q: got %q, want %q", tc.status, tc.body, got, tc.want)
		}
	}
}

func TestClient_LowBudgetOpensThrottle(t *testing.T) {
	reset := time.Now().Add(90 * time.Second)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "10")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		w.Write([]byte(`{"state": "success", "total_count": 1}`))
	})
	sink := &fakeThrottle{}
	c := newTestClient(t, handler, sink)

	if _, err := c.GetCombinedStatus(context.Background(), 42, "o", "r", "sha"); err != nil {
		t.Fatalf("combined status: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls == 0 {
		t.Fatal("low remaining budget should open a throttle window")
	}
	if sink.reason != "low_budget" {
		t.Errorf("reason = %q", sink.reason)
	}
	if sink.until.Before(time.Now().Add(30 * time.Second)) {
		t.Errorf("cooldown window too short: %v", time.Until(sink.until))
	}
}

func TestClient_SecondaryLimitThrottles(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "You have exceeded a secondary rate limit"}`))
	})
	sink := &fakeThrottle{}
	c := newTestClient(t, handler, sink)

	_, err := c.GetPullRequest(context.Background(), 42, "o", "r", 1)
	if err == nil {
		t.Fatal("expected error")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls == 0 {
		t.Fatal("secondary limit should open a throttle window")
	}
	if sink.reason != "secondary" {
		t.Errorf("reason = %q", sink.reason)
	}
}

func TestClient_LoadPolicyFileNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	})
	c := newTestClient(t, handler, nil)

	data, found, err := c.LoadPolicyFile(context.Background(), 1, "o", "r", "main", ".github/automerge.yml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found || data != nil {
		t.Error("missing file should report found=false with no error")
	}
}

func TestClient_LoadPolicyFileDecodesBase64(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ref") != "main" {
			t.Errorf("expected ref=main, got %q", r.URL.RawQuery)
		}
		// "merge_method: rebase\n" in base64 with a line break, as the
		// contents API emits it.
		w.Write([]byte(`{"encoding": "base64", "content": "bWVyZ2VfbWV0aG9k\nOiByZWJhc2UK"}`))
	})
	c := newTestClient(t, handler, nil)

	data, found, err := c.LoadPolicyFile(context.Background(), 1, "o", "r", "main", ".github/automerge.yml")
	if err != nil || !found {
		t.Fatalf("load: %v found=%v", err, found)
	}
	if string(data) != "merge_method: rebase\n" {
		t.Errorf("decoded %q", data)
	}
}
