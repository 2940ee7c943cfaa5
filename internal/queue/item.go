package queue

import (
	"fmt"
	"time"
)

// RepoKey identifies the scheduling unit: one queue, dedupe set and lock
// per (installation, owner, repo).
type RepoKey struct {
	InstallationID int64  `json:"installation_id"`
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
}

// Member is the encoding used in the active-repo index set.
func (k RepoKey) Member() string {
	return fmt.Sprintf("%d:%s/%s", k.InstallationID, k.Owner, k.Repo)
}

func (k RepoKey) String() string {
	return k.Member()
}

// WorkItem is one scheduled attempt to merge a specific PR.
type WorkItem struct {
	InstallationID int64  `json:"installation_id"`
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	Number         int    `json:"number"`
	Sender         string `json:"sender,omitempty"`

	// EnqueuedAt is set on first enqueue and preserved across requeues.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// FirstSeenAt starts equal to EnqueuedAt and is reset by a starvation
	// requeue, bounding how long the item may hold the head slot.
	FirstSeenAt time.Time `json:"first_seen_at"`
	// Attempt counts transient-failure retries; 0 on first try.
	Attempt int `json:"attempt"`
	// StarvationRequeued marks that the one-shot tail requeue happened.
	StarvationRequeued bool `json:"starvation_requeued,omitempty"`
}

func (it *WorkItem) Key() RepoKey {
	return RepoKey{InstallationID: it.InstallationID, Owner: it.Owner, Repo: it.Repo}
}

// DedupKey collapses redundant enqueues for the same PR.
func (it *WorkItem) DedupKey() string {
	return fmt.Sprintf("%d:%s/%s#%d", it.InstallationID, it.Owner, it.Repo, it.Number)
}

// DeadLetter wraps a work item that exhausted its retry budget.
type DeadLetter struct {
	Item   WorkItem  `json:"item"`
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}
