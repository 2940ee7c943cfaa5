package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"mergebot/internal/metrics"
)

// ThrottleSink receives per-installation cooldown windows derived from the
// remote quota signal. Wired to the queue store in main.
type ThrottleSink interface {
	SetThrottle(ctx context.Context, installationID int64, until time.Time, reason string) error
}

// Options configures the facade.
type Options struct {
	BaseURL       string
	AppID         string
	PrivateKeyPEM []byte
	// Token, when set, is used directly for all requests and disables App
	// JWT minting. Handy for local runs and tests.
	Token string

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Throttle   ThrottleSink

	// Backpressure thresholds (RATE_LIMIT_* settings).
	MinRemaining    int
	CooldownSeconds int
	JitterSeconds   int
	MaxBackoffSecs  int

	// Retry knobs for idempotent requests.
	MaxAttempts int           // default 3
	BackoffBase time.Duration // default 500ms

	// RequestsPerSecond paces outbound calls; 0 disables pacing.
	RequestsPerSecond float64
}

// Client is the typed GitHub facade. Idempotent reads and update-branch
// retry on transport errors and 5xx; the merge endpoint never retries.
type Client struct {
	baseURL string
	appID   string
	key     *rsa.PrivateKey
	token   string

	http     *http.Client
	m        *metrics.Metrics
	throttle ThrottleSink
	limiter  *rate.Limiter

	minRemaining   int
	cooldown       time.Duration
	jitter         time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	backoffBase    time.Duration

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type installationToken struct {
	value   string
	expires time.Time
}

func NewClient(opts Options) (*Client, error) {
	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		appID:        opts.AppID,
		token:        opts.Token,
		http:         opts.HTTPClient,
		m:            opts.Metrics,
		throttle:     opts.Throttle,
		minRemaining: opts.MinRemaining,
		cooldown:     time.Duration(opts.CooldownSeconds) * time.Second,
		jitter:       time.Duration(opts.JitterSeconds) * time.Second,
		maxBackoff:   time.Duration(opts.MaxBackoffSecs) * time.Second,
		maxAttempts:  opts.MaxAttempts,
		backoffBase:  opts.BackoffBase,
		tokens:       make(map[int64]installationToken),
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.github.com"
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 500 * time.Millisecond
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}
	if c.token == "" {
		if len(opts.PrivateKeyPEM) == 0 {
			return nil, fmt.Errorf("github: missing private key (and no static token)")
		}
		key, err := jwtlib.ParseRSAPrivateKeyFromPEM(opts.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("github: parse private key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Ping probes the API root; used by the readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/meta", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("github: meta probe returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) appJWT() (string, error) {
	now := time.Now()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, jwtlib.MapClaims{
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": c.appID,
	})
	return tok.SignedString(c.key)
}

// installationAuth returns a cached installation token, minting a new one
// through the App JWT exchange when absent or within 60s of expiry.
func (c *Client) installationAuth(ctx context.Context, installationID int64) (string, error) {
	if c.token != "" {
		return "token " + c.token, nil
	}

	c.mu.Lock()
	cached, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expires.Add(-time.Minute)) {
		return "token " + cached.value, nil
	}

	appJWT, err := c.appJWT()
	if err != nil {
		return "", &Error{Kind: KindConfig, Message: fmt.Sprintf("sign app jwt: %v", err)}
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	endpoint := "POST /app/installations/{id}/access_tokens"
	start := time.Now()
	resp, err := c.http.Do(req)
	c.m.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		c.m.APIRequests.WithLabelValues(endpoint, "exc").Inc()
		return "", &Error{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()
	c.m.APIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, string(body))
	}
	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Token == "" {
		return "", &Error{Kind: KindConfig, Message: "token exchange returned no token"}
	}
	expires := payload.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	c.mu.Lock()
	c.tokens[installationID] = installationToken{value: payload.Token, expires: expires}
	c.mu.Unlock()
	return "token " + payload.Token, nil
}

func statusError(code int, msg string) *Error {
	switch {
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindThrottled, StatusCode: code, Message: msg}
	case code == http.StatusForbidden:
		return &Error{Kind: KindForbidden, StatusCode: code, Message: msg}
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, StatusCode: code, Message: msg}
	case code >= 500:
		return &Error{Kind: KindTransport, StatusCode: code, Message: msg}
	default:
		return &Error{Kind: KindTransport, StatusCode: code, Message: msg}
	}
}

type apiResponse struct {
	status int
	body   []byte
}

// request performs one API call with rate-limit header handling. When
// retryable is true, transport errors, 5xx and throttling responses retry
// with exponential backoff up to maxAttempts; the merge endpoint passes
// retryable=false and gets exactly one attempt.
func (c *Client) request(ctx context.Context, installationID int64, method, path, endpoint string, payload any, retryable bool) (*apiResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindConfig, Message: err.Error()}
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &Error{Kind: KindTransport, Message: err.Error()}
			}
		}
		auth, err := c.installationAuth(ctx, installationID)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, &Error{Kind: KindTransport, Message: err.Error()}
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("User-Agent", "mergebot/1.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, doErr := c.http.Do(req)
		c.m.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if doErr != nil {
			c.m.APIRequests.WithLabelValues(endpoint, "exc").Inc()
			lastErr = &Error{Kind: KindTransport, Message: doErr.Error()}
			if !retryable || attempt >= c.maxAttempts || ctx.Err() != nil {
				return nil, lastErr
			}
			c.backoffSleep(ctx, attempt)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		c.m.APIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		c.handleRateLimit(ctx, installationID, resp, respBody)

		status := resp.StatusCode
		if status >= 500 || status == http.StatusTooManyRequests {
			lastErr = statusError(status, truncate(respBody))
			if retryable && attempt < c.maxAttempts {
				c.backoffSleep(ctx, attempt)
				continue
			}
			return nil, lastErr
		}
		return &apiResponse{status: status, body: respBody}, nil
	}
}

func (c *Client) backoffSleep(ctx context.Context, attempt int) {
	d := c.backoffBase << (attempt - 1)
	if c.maxBackoff > 0 && d > c.maxBackoff {
		d = c.maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

// handleRateLimit captures the quota snapshot after every call and opens a
// throttle window when the budget is low or the response itself throttles.
// Never fails the request: backpressure is best-effort bookkeeping.
func (c *Client) handleRateLimit(ctx context.Context, installationID int64, resp *http.Response, body []byte) {
	inst := strconv.FormatInt(installationID, 10)
	remaining := -1
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
			c.m.RateLimitRemaining.WithLabelValues(inst).Set(float64(n))
		}
	}
	var reset time.Time
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = time.Unix(n, 0)
			c.m.RateLimitReset.WithLabelValues(inst).Set(float64(n))
		}
	}

	status := resp.StatusCode
	lowBudget := remaining >= 0 && remaining <= c.minRemaining
	throttledStatus := status == http.StatusTooManyRequests ||
		(status == http.StatusForbidden && (resp.Header.Get("Retry-After") != "" || remaining == 0 ||
			bytes.Contains(bytes.ToLower(body), []byte("secondary rate limit"))))
	if !lowBudget && !throttledStatus {
		return
	}

	reason := "rate_limit"
	switch {
	case status == http.StatusTooManyRequests:
		reason = "retry_after"
	case status == http.StatusForbidden && bytes.Contains(bytes.ToLower(body), []byte("secondary rate limit")):
		reason = "secondary"
	case lowBudget:
		reason = "low_budget"
	}

	now := time.Now()
	until := now.Add(c.cooldown)
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			until = now.Add(time.Duration(n) * time.Second)
		}
	}
	if reset.After(until) {
		until = reset
	}
	if c.jitter > 0 {
		until = until.Add(time.Duration(rand.Int63n(int64(c.jitter))))
	}
	if c.maxBackoff > 0 && until.After(now.Add(c.maxBackoff)) {
		until = now.Add(c.maxBackoff)
	}

	if c.throttle != nil {
		if err := c.throttle.SetThrottle(ctx, installationID, until, reason); err != nil {
			log.Printf("[github] failed to set throttle for installation %d: %v", installationID, err)
			return
		}
		c.m.Throttles.WithLabelValues("installation", reason).Inc()
	}
}

type prPayload struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Draft  bool   `json:"draft"`
	Locked bool   `json:"locked"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Head struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Mergeable      *bool  `json:"mergeable"`
	MergeableState string `json:"mergeable_state"`
	BehindBy       int    `json:"behind_by"`
}

func (p *prPayload) snapshot() *PullRequest {
	pr := &PullRequest{
		Number:         p.Number,
		State:          p.State,
		Draft:          p.Draft,
		Locked:         p.Locked,
		Title:          p.Title,
		Body:           p.Body,
		HeadSHA:        p.Head.SHA,
		HeadRef:        p.Head.Ref,
		BaseRef:        p.Base.Ref,
		User:           p.User.Login,
		Mergeable:      p.Mergeable,
		MergeableState: p.MergeableState,
		BehindBy:       p.BehindBy,
	}
	for _, l := range p.Labels {
		pr.Labels = append(pr.Labels, l.Name)
	}
	// The REST payload does not always carry behind_by; fall back to the
	// composite judgment so the pipeline still knows to update the branch.
	if pr.BehindBy == 0 && pr.MergeableState == "behind" {
		pr.BehindBy = 1
	}
	return pr
}

// GetPullRequest fetches the PR snapshot.
func (c *Client) GetPullRequest(ctx context.Context, installationID int64, owner, repo string, number int) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	resp, err := c.request(ctx, installationID, http.MethodGet, path, "GET /repos/{owner}/{repo}/pulls/{number}", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(resp.status, truncate(resp.body))
	}
	var payload prPayload
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("decode pull request: %v", err)}
	}
	return payload.snapshot(), nil
}

// GetCombinedStatus fetches the aggregate commit status for a SHA.
// A payload with zero statuses maps to StatusNone.
func (c *Client) GetCombinedStatus(ctx context.Context, installationID int64, owner, repo, sha string) (*CombinedStatus, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, sha)
	resp, err := c.request(ctx, installationID, http.MethodGet, path, "GET /repos/{owner}/{repo}/commits/{sha}/status", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(resp.status, truncate(resp.body))
	}
	var payload struct {
		State      string `json:"state"`
		TotalCount int    `json:"total_count"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("decode combined status: %v", err)}
	}
	cs := &CombinedStatus{State: payload.State, TotalCount: payload.TotalCount}
	if cs.TotalCount == 0 {
		cs.State = StatusNone
	}
	return cs, nil
}

// ListCheckSuites fetches the check suites for a SHA.
func (c *Client) ListCheckSuites(ctx context.Context, installationID int64, owner, repo, sha string) ([]CheckSuite, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-suites", owner, repo, sha)
	resp, err := c.request(ctx, installationID, http.MethodGet, path, "GET /repos/{owner}/{repo}/commits/{sha}/check-suites", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(resp.status, truncate(resp.body))
	}
	var payload struct {
		CheckSuites []struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_suites"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("decode check suites: %v", err)}
	}
	out := make([]CheckSuite, 0, len(payload.CheckSuites))
	for _, s := range payload.CheckSuites {
		out = append(out, CheckSuite{Status: s.Status, Conclusion: s.Conclusion})
	}
	return out, nil
}

// ListPullRequestsForCommit resolves open PR numbers associated with a SHA.
func (c *Client) ListPullRequestsForCommit(ctx context.Context, installationID int64, owner, repo, sha string) ([]int, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/pulls", owner, repo, sha)
	resp, err := c.request(ctx, installationID, http.MethodGet, path, "GET /repos/{owner}/{repo}/commits/{sha}/pulls", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(resp.status, truncate(resp.body))
	}
	var payload []struct {
		Number int    `json:"number"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("decode commit pulls: %v", err)}
	}
	var numbers []int
	for _, pr := range payload {
		if pr.State != "" && pr.State != "open" {
			continue
		}
		numbers = append(numbers, pr.Number)
	}
	return numbers, nil
}

// LoadPolicyFile fetches a repo file's contents at ref (empty ref means
// the default branch). Returns found=false on 404.
func (c *Client) LoadPolicyFile(ctx context.Context, installationID int64, owner, repo, ref, filePath string) ([]byte, bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, filePath)
	if ref != "" {
		path += "?ref=" + ref
	}
	resp, err := c.request(ctx, installationID, http.MethodGet, path, "GET /repos/{owner}/{repo}/contents/{path}", nil, true)
	if err != nil {
		return nil, false, err
	}
	if resp.status == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.status != http.StatusOK {
		return nil, false, statusError(resp.status, truncate(resp.body))
	}
	var payload struct {
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, false, &Error{Kind: KindConfig, Message: fmt.Sprintf("decode contents: %v", err)}
	}
	if payload.Encoding != "base64" {
		return []byte(payload.Content), true, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		c.m.ConfigLoadFailures.Inc()
		return nil, false, &Error{Kind: KindConfig, Message: fmt.Sprintf("decode policy file: %v", err)}
	}
	return decoded, true, nil
}

// UpdateBranch asks the platform to merge base into the PR head.
func (c *Client) UpdateBranch(ctx context.Context, installationID int64, owner, repo string, number int) (UpdateBranchResult, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/update-branch", owner, repo, number)
	resp, err := c.request(ctx, installationID, http.MethodPut, path, "PUT /repos/{owner}/{repo}/pulls/{number}/update-branch", nil, true)
	if err != nil {
		return "", err
	}
	switch resp.status {
	case http.StatusOK, http.StatusAccepted:
		return UpdateOK, nil
	case http.StatusUnprocessableEntity:
		if bytes.Contains(bytes.ToLower(resp.body), []byte("up to date")) ||
			bytes.Contains(bytes.ToLower(resp.body), []byte("merge not needed")) {
			return UpdateNotBehind, nil
		}
		return UpdateConflict, nil
	default:
		return "", statusError(resp.status, truncate(resp.body))
	}
}

// MergePullRequest performs the merge with the expected head SHA as guard.
// Never retried here: a transport failure is ambiguous (the merge may have
// landed) and only the pipeline can decide what to do next.
func (c *Client) MergePullRequest(ctx context.Context, installationID int64, owner, repo string, number int, expectedSHA, method, title, body string) (MergeResult, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	payload := map[string]string{
		"merge_method":   method,
		"commit_title":   title,
		"commit_message": body,
		"sha":            expectedSHA,
	}
	resp, err := c.request(ctx, installationID, http.MethodPut, path, "PUT /repos/{owner}/{repo}/pulls/{number}/merge", payload, false)
	if err != nil {
		return "", err
	}
	switch resp.status {
	case http.StatusOK, http.StatusCreated:
		return MergeOK, nil
	case http.StatusConflict:
		return MergeMismatchedSHA, nil
	case http.StatusMethodNotAllowed, http.StatusUnprocessableEntity:
		return MergeNotMergeable, nil
	case http.StatusForbidden:
		return MergeForbidden, nil
	default:
		return "", statusError(resp.status, truncate(resp.body))
	}
}
