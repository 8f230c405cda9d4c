package model

import (
	"time"

	"github.com/google/uuid"
)

// RotationStatus is the state of a rotation operation.
type RotationStatus string

const (
	RotationPending   RotationStatus = "pending"
	RotationRunning   RotationStatus = "running"
	RotationCompleted RotationStatus = "completed"
	RotationFailed    RotationStatus = "failed"
	RotationCancelled RotationStatus = "cancelled"
)

var rotationTransitions = map[RotationStatus][]RotationStatus{
	RotationPending: {RotationRunning, RotationCancelled, RotationFailed},
	RotationRunning: {RotationCompleted, RotationFailed, RotationCancelled},
}

// Terminal reports whether no further transition is allowed.
func (s RotationStatus) Terminal() bool {
	return s == RotationCompleted || s == RotationFailed || s == RotationCancelled
}

// CanTransitionTo reports whether a rotation in state s may move to next.
func (s RotationStatus) CanTransitionTo(next RotationStatus) bool {
	for _, allowed := range rotationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RotationOperation tracks the bulk re-encryption of images onto ToKeyID.
type RotationOperation struct {
	ID              uuid.UUID      `json:"id"`
	FromKeyID       *int64         `json:"from_key_id,omitempty"`
	ToKeyID         int64          `json:"to_key_id"`
	Status          RotationStatus `json:"status"`
	BatchSize       int            `json:"batch_size"`
	TotalImages     int64          `json:"total_images"`
	ProcessedImages int64          `json:"processed_images"`
	FailedImages    int64          `json:"failed_images"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	InitiatedBy     string         `json:"initiated_by"`
	CancelRequested bool           `json:"cancel_requested"`
	CancelledBy     string         `json:"cancelled_by,omitempty"`
	// Owner names the engine working the rotation. It holds the rotation
	// until LeaseUntil unless renewed.
	Owner      string     `json:"owner,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
}

// Clone returns a deep copy.
func (r *RotationOperation) Clone() *RotationOperation {
	if r == nil {
		return nil
	}
	c := *r
	if r.FromKeyID != nil {
		v := *r.FromKeyID
		c.FromKeyID = &v
	}
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.LeaseUntil = cloneTime(r.LeaseUntil)
	return &c
}

// LeasedToOther reports whether an owner other than owner holds an unexpired
// lease at now.
func (r *RotationOperation) LeasedToOther(owner string, now time.Time) bool {
	return r.Owner != "" && r.Owner != owner && r.LeaseUntil != nil && now.Before(*r.LeaseUntil)
}

// References reports whether the rotation moves images from or onto keyID.
func (r *RotationOperation) References(keyID int64) bool {
	return r.ToKeyID == keyID || (r.FromKeyID != nil && *r.FromKeyID == keyID)
}

// Filter returns the image filter selecting images this rotation still has to move.
func (r *RotationOperation) Filter() ImageFilter {
	if r.FromKeyID != nil {
		from := *r.FromKeyID
		return ImageFilter{KeyID: &from}
	}
	return ImageFilter{ExcludeKeyID: r.ToKeyID}
}

// PercentComplete is ProcessedImages over TotalImages, 100 for an empty rotation.
func (r *RotationOperation) PercentComplete() float64 {
	if r.TotalImages <= 0 {
		return 100
	}
	pct := float64(r.ProcessedImages) / float64(r.TotalImages) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// RotationFailure records why a single image could not be rotated. Reason is
// an error category, never message text.
type RotationFailure struct {
	RotationID uuid.UUID `json:"rotation_id"`
	ImageID    string    `json:"image_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
