package domain

import "time"

// DisputeStatus tracks a dispute through filing, review and closure.
type DisputeStatus string

const (
	DisputeStatusPending     DisputeStatus = "pending"
	DisputeStatusUnderReview DisputeStatus = "under_review"
	DisputeStatusApproved    DisputeStatus = "approved"
	DisputeStatusRejected    DisputeStatus = "rejected"
	DisputeStatusResolved    DisputeStatus = "resolved"
)

// Open reports whether the status counts against the one-open-dispute-per-
// (user, market) rule.
func (s DisputeStatus) Open() bool {
	return s == DisputeStatusPending || s == DisputeStatusUnderReview
}

// DisputePriority orders the admin review queue. Upvotes escalate priority
// automatically and never downgrade it.
type DisputePriority string

const (
	DisputePriorityNormal DisputePriority = "normal"
	DisputePriorityHigh   DisputePriority = "high"
	DisputePriorityUrgent DisputePriority = "urgent"
)

// Upvote thresholds for automatic priority escalation.
const (
	DisputeHighThreshold   = 10
	DisputeUrgentThreshold = 20
)

// DisputeType classifies what the filer claims went wrong.
type DisputeType string

const (
	DisputeTypeWrongOutcome    DisputeType = "wrong_outcome"
	DisputeTypeEarlyResolution DisputeType = "early_resolution"
	DisputeTypeNewEvidence     DisputeType = "new_evidence"
	DisputeTypeOther           DisputeType = "other"
)

// Dispute is a user's challenge against a resolved market's outcome.
type Dispute struct {
	ID       string
	MarketID string
	UserID   string

	Type     DisputeType
	Reason   string
	Evidence string

	Status   DisputeStatus
	Priority DisputePriority
	Upvotes  int

	// ProposedOutcome is the outcome the filer believes is correct; used when
	// an approved dispute drives a correction.
	ProposedOutcome *string

	ReviewedBy       string
	ReviewNotes      string
	ResolutionAction string
	ReviewedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EscalatedPriority returns the priority implied by the upvote count, never
// below the current one.
func EscalatedPriority(current DisputePriority, upvotes int) DisputePriority {
	implied := DisputePriorityNormal
	switch {
	case upvotes >= DisputeUrgentThreshold:
		implied = DisputePriorityUrgent
	case upvotes >= DisputeHighThreshold:
		implied = DisputePriorityHigh
	}
	if rank(implied) > rank(current) {
		return implied
	}
	return current
}

func rank(p DisputePriority) int {
	switch p {
	case DisputePriorityUrgent:
		return 2
	case DisputePriorityHigh:
		return 1
	}
	return 0
}
