package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"mergebot/internal/queue"
)

// Enqueuer is the slice of the queue store the normalizer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *queue.WorkItem) (bool, error)
}

// CommitPRLister resolves the open PRs associated with a commit SHA.
type CommitPRLister interface {
	ListPullRequestsForCommit(ctx context.Context, installationID int64, owner, repo, sha string) ([]int, error)
}

// ParseError marks a payload the sender got wrong, as opposed to enqueue
// or lookup failures on our side.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Normalizer maps validated platform events onto typed work items. Raw
// payloads stop here; nothing downstream sees event JSON.
type Normalizer struct {
	queue Enqueuer
	api   CommitPRLister
	label string
	now   func() time.Time
}

func New(q Enqueuer, api CommitPRLister, defaultLabel string) *Normalizer {
	return &Normalizer{queue: q, api: api, label: defaultLabel, now: time.Now}
}

var prActions = map[string]bool{
	"opened":           true,
	"reopened":         true,
	"synchronize":      true,
	"labeled":          true,
	"unlabeled":        true,
	"ready_for_review": true,
}

// Handle enqueues zero or more work items for the event. The returned count
// is the number of fresh enqueues (dedupes excluded). Events the service
// does not act on return (0, nil).
func (n *Normalizer) Handle(ctx context.Context, event string, payload []byte) (int, error) {
	switch event {
	case "pull_request":
		return n.handlePullRequest(ctx, payload)
	case "check_suite", "status":
		return n.handleCommitEvent(ctx, event, payload)
	default:
		return 0, nil
	}
}

type prEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Draft  bool   `json:"draft"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`
	Repository   repoRef   `json:"repository"`
	Installation installRef `json:"installation"`
	Sender       struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type repoRef struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type installRef struct {
	ID int64 `json:"id"`
}

func (n *Normalizer) handlePullRequest(ctx context.Context, payload []byte) (int, error) {
	var ev prEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, &ParseError{Err: fmt.Errorf("decode pull_request event: %w", err)}
	}
	if !prActions[ev.Action] {
		return 0, nil
	}
	if ev.Installation.ID == 0 || ev.Repository.Owner.Login == "" || ev.PullRequest.Number == 0 {
		return 0, nil
	}
	// Cheap pre-filters on the default label. The authoritative decision is
	// made under lease by the pipeline against the repo policy; a repo that
	// customizes the label re-enters via check_suite/status events, which
	// skip this gate.
	if ev.PullRequest.Draft || ev.PullRequest.State == "closed" {
		return 0, nil
	}
	labeled := false
	for _, l := range ev.PullRequest.Labels {
		if l.Name == n.label {
			labeled = true
			break
		}
	}
	if !labeled {
		return 0, nil
	}
	return n.enqueue(ctx, ev.Installation.ID, ev.Repository.Owner.Login, ev.Repository.Name,
		ev.PullRequest.Number, ev.Sender.Login)
}

type commitEvent struct {
	Action     string `json:"action"`
	SHA        string `json:"sha"` // status events
	CheckSuite struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_suite"`
	Repository   repoRef    `json:"repository"`
	Installation installRef `json:"installation"`
	Sender       struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (n *Normalizer) handleCommitEvent(ctx context.Context, event string, payload []byte) (int, error) {
	var ev commitEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, &ParseError{Err: fmt.Errorf("decode %s event: %w", event, err)}
	}
	if event == "check_suite" && ev.Action != "completed" {
		return 0, nil
	}
	if ev.Installation.ID == 0 || ev.Repository.Owner.Login == "" {
		return 0, nil
	}
	sha := ev.SHA
	if event == "check_suite" {
		sha = ev.CheckSuite.HeadSHA
	}
	if sha == "" {
		return 0, nil
	}

	owner := ev.Repository.Owner.Login
	repo := ev.Repository.Name
	numbers, err := n.api.ListPullRequestsForCommit(ctx, ev.Installation.ID, owner, repo, sha)
	if err != nil {
		return 0, fmt.Errorf("resolve PRs for %s/%s@%s: %w", owner, repo, sha, err)
	}
	enqueued := 0
	for _, number := range numbers {
		fresh, err := n.enqueue(ctx, ev.Installation.ID, owner, repo, number, ev.Sender.Login)
		if err != nil {
			return enqueued, err
		}
		enqueued += fresh
	}
	return enqueued, nil
}

func (n *Normalizer) enqueue(ctx context.Context, installationID int64, owner, repo string, number int, sender string) (int, error) {
	now := n.now().UTC()
	item := &queue.WorkItem{
		InstallationID: installationID,
		Owner:          owner,
		Repo:           repo,
		Number:         number,
		Sender:         sender,
		EnqueuedAt:     now,
		FirstSeenAt:    now,
	}
	fresh, err := n.queue.Enqueue(ctx, item)
	if err != nil {
		// The webhook is acknowledged regardless; the platform redelivers
		// and subsequent events re-trigger the PR.
		log.Printf("[ingress] enqueue failed for %s: %v", item.DedupKey(), err)
		return 0, err
	}
	if !fresh {
		return 0, nil
	}
	return 1, nil
}
