package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscalatedPriority(t *testing.T) {
	// Below the first threshold nothing changes.
	assert.Equal(t, DisputePriorityNormal, EscalatedPriority(DisputePriorityNormal, 9))

	// Thresholds escalate.
	assert.Equal(t, DisputePriorityHigh, EscalatedPriority(DisputePriorityNormal, 10))
	assert.Equal(t, DisputePriorityUrgent, EscalatedPriority(DisputePriorityNormal, 20))
	assert.Equal(t, DisputePriorityUrgent, EscalatedPriority(DisputePriorityHigh, 25))

	// Never downgrades, even if upvotes imply a lower tier.
	assert.Equal(t, DisputePriorityUrgent, EscalatedPriority(DisputePriorityUrgent, 3))
	assert.Equal(t, DisputePriorityHigh, EscalatedPriority(DisputePriorityHigh, 0))
}

func TestDisputeStatusOpen(t *testing.T) {
	assert.True(t, DisputeStatusPending.Open())
	assert.True(t, DisputeStatusUnderReview.Open())
	assert.False(t, DisputeStatusApproved.Open())
	assert.False(t, DisputeStatusRejected.Open())
	assert.False(t, DisputeStatusResolved.Open())
}
