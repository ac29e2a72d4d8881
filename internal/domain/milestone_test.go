package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMilestone_SubmitOnlyFromPending(t *testing.T) {
	m := &Milestone{Index: 0, Status: MilestonePending}
	require.NoError(t, m.Submit(now))
	assert.Equal(t, MilestoneSubmitted, m.Status)
	assert.Equal(t, now.Unix(), m.SubmissionTime())

	err := m.Submit(now)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestMilestone_DualApproval(t *testing.T) {
	m := &Milestone{Status: MilestonePending}
	require.NoError(t, m.Submit(now))

	accepted, err := m.Approve(PartyOwner, now)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, MilestoneSubmitted, m.Status)

	_, err = m.Approve(PartyOwner, now)
	assert.True(t, errors.Is(err, ErrAlreadyApproved))
	assert.Equal(t, MilestoneSubmitted, m.Status)

	accepted, err = m.Approve(PartyFreelancer, now)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, MilestoneAccepted, m.Status)
	require.NotNil(t, m.AcceptedAt)
}

func TestMilestone_ApproveFromPending(t *testing.T) {
	m := &Milestone{Status: MilestonePending}
	_, err := m.Approve(PartyOwner, now)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestMilestone_ApproveByStranger(t *testing.T) {
	m := &Milestone{Status: MilestoneSubmitted}
	_, err := m.Approve(PartyNone, now)
	assert.Equal(t, ErrNotAuthorized, err)
}

func TestMilestone_RejectReturnsToPending(t *testing.T) {
	m := &Milestone{Status: MilestonePending}
	require.NoError(t, m.Submit(now))
	_, _ = m.Approve(PartyOwner, now)

	require.NoError(t, m.Reject("missing tests"))
	assert.Equal(t, MilestonePending, m.Status)
	assert.False(t, m.PoApproved)
	assert.Nil(t, m.SubmittedAt)
	require.NotNil(t, m.RejectionReason)
	assert.Equal(t, "missing tests", *m.RejectionReason)

	assert.True(t, errors.Is(m.Reject("again"), ErrInvalidState))
	require.NoError(t, m.Submit(now))
}

func TestMilestone_ReleaseLifecycle(t *testing.T) {
	m := &Milestone{Status: MilestoneSubmitted}
	assert.True(t, errors.Is(m.BeginRelease(), ErrInvalidState))

	m.Status = MilestoneAccepted
	require.NoError(t, m.BeginRelease())
	assert.Equal(t, MilestoneReleasing, m.Status)
	assert.True(t, errors.Is(m.BeginRelease(), ErrReleasePending))

	require.NoError(t, m.AbortRelease(false))
	assert.Equal(t, MilestoneAccepted, m.Status)

	require.NoError(t, m.BeginRelease())
	require.NoError(t, m.CompleteRelease(now))
	assert.True(t, m.IsReleased())
	assert.True(t, errors.Is(m.BeginRelease(), ErrAlreadyReleased))
	assert.True(t, errors.Is(m.AbortRelease(false), ErrInvalidState))
}

func TestMilestone_AbortReopensConfirmation(t *testing.T) {
	m := &Milestone{Status: MilestoneSubmitted, PoApproved: true}
	accepted, err := m.Approve(PartyFreelancer, now)
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, m.BeginRelease())

	require.NoError(t, m.AbortRelease(true))
	assert.Equal(t, MilestoneSubmitted, m.Status)
	assert.True(t, m.PoApproved)
	assert.False(t, m.FlApproved)
	assert.Nil(t, m.AcceptedAt)
}

func TestProject_PartyOf(t *testing.T) {
	fl := "freelancer-1"
	p := &Project{CreatorID: "owner-1", FreelancerID: &fl}
	assert.Equal(t, PartyOwner, p.PartyOf("owner-1"))
	assert.Equal(t, PartyFreelancer, p.PartyOf("freelancer-1"))
	assert.Equal(t, PartyNone, p.PartyOf("someone"))
	assert.Equal(t, PartyNone, p.PartyOf(""))
}

func TestProject_CancelBlockedAfterAcceptance(t *testing.T) {
	p := &Project{Status: ProjectActive, Milestones: []Milestone{
		{Index: 0, Status: MilestoneReleased},
		{Index: 1, Status: MilestonePending},
	}}
	assert.True(t, errors.Is(p.Cancel(), ErrInvalidState))
	assert.Equal(t, ProjectActive, p.Status)

	p.Milestones[0].Status = MilestoneSubmitted
	require.NoError(t, p.Cancel())
	assert.Equal(t, ProjectCancelled, p.Status)
	assert.True(t, errors.Is(p.Complete(), ErrInvalidState))
}

func TestProject_AssignFreelancerOnce(t *testing.T) {
	p := &Project{CreatorID: "owner", Status: ProjectActive}
	assert.True(t, errors.Is(p.AssignFreelancer("owner"), ErrInvalidInput))
	require.NoError(t, p.AssignFreelancer("fl"))
	assert.True(t, errors.Is(p.AssignFreelancer("other"), ErrInvalidState))
}
