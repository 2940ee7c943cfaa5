package github

import (
	"errors"
	"fmt"
)

// PullRequest is the snapshot the pipeline evaluates against.
type PullRequest struct {
	Number         int
	State          string
	Draft          bool
	Locked         bool
	Labels         []string
	HeadSHA        string
	HeadRef        string
	BaseRef        string
	Mergeable      *bool
	MergeableState string // clean, behind, dirty, blocked, unstable, unknown
	User           string
	Title          string
	Body           string
	BehindBy       int
}

func (pr *PullRequest) HasLabel(name string) bool {
	for _, l := range pr.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// CombinedStatus aggregates legacy commit statuses for a SHA.
type CombinedStatus struct {
	State      string // success, pending, failure, none
	TotalCount int
}

const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusFailure = "failure"
	StatusNone    = "none"
)

// CheckSuite is one check-suite run for a SHA.
type CheckSuite struct {
	Status     string // queued, in_progress, completed
	Conclusion string // success, neutral, skipped, failure, ...
}

// UpdateBranchResult classifies the update-branch call.
type UpdateBranchResult string

const (
	UpdateOK        UpdateBranchResult = "ok"
	UpdateConflict  UpdateBranchResult = "conflict"
	UpdateNotBehind UpdateBranchResult = "not_behind"
)

// MergeResult classifies the merge call. The facade never retries a merge;
// these results feed directly into the pipeline's decision.
type MergeResult string

const (
	MergeOK            MergeResult = "merged"
	MergeNotMergeable  MergeResult = "not_mergeable"
	MergeMismatchedSHA MergeResult = "mismatched_sha"
	MergeForbidden     MergeResult = "forbidden"
)

// ErrorKind is the facade's error taxonomy. The pipeline is the only place
// that turns a kind into a retry/terminal/throttle decision.
type ErrorKind int

const (
	KindTransport ErrorKind = iota // network, timeout, 5xx after retries
	KindThrottled                  // 429 or secondary 403 with quota signal
	KindNotFound
	KindForbidden
	KindConfig // unparseable response payloads
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindThrottled:
		return "throttled"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Error is a typed API failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("github: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a facade error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
