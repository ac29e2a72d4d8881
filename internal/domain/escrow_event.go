package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventProjectCreated     = "PROJECT_CREATED"
	EventFreelancerAssigned = "FREELANCER_ASSIGNED"
	EventMilestoneSubmitted = "MILESTONE_SUBMITTED"
	EventMilestoneApproved  = "MILESTONE_APPROVED"
	EventMilestoneAccepted  = "MILESTONE_ACCEPTED"
	EventMilestoneRejected  = "MILESTONE_REJECTED"
	EventReleaseReserved    = "RELEASE_RESERVED"
	EventReleaseAborted     = "RELEASE_ABORTED"
	EventMilestoneReleased  = "MILESTONE_RELEASED"
	EventProjectCompleted   = "PROJECT_COMPLETED"
	EventProjectCancelled   = "PROJECT_CANCELLED"
)

// EscrowEvent is the append-only audit trail, written in the same transaction as the change it records.
type EscrowEvent struct {
	EventID        uuid.UUID      `gorm:"column:event_id;type:uuid;primaryKey" json:"event_id"`
	ProjectID      uuid.UUID      `gorm:"column:project_id;type:uuid;not null;index" json:"project_id"`
	MilestoneIndex *int           `gorm:"column:milestone_index" json:"milestone_index"`
	EventType      string         `gorm:"column:event_type;type:varchar(30);not null" json:"event_type"`
	EventData      datatypes.JSON `gorm:"column:event_data;type:jsonb;not null" json:"event_data"`
	ActorID        *string        `gorm:"column:actor_id" json:"actor_id"`
	CreatedAt      time.Time      `gorm:"column:createdAt" json:"createdAt"`
}

func (EscrowEvent) TableName() string {
	return "EscrowEvents"
}

func (e *EscrowEvent) BeforeCreate(tx *gorm.DB) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	return nil
}
