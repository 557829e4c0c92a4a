// internal/models/application.go
package models

import "time"

// ApplicationStatus is the internal status vocabulary. Values are ordered:
// during sync reconciliation a status may only move forward, never backward.
type ApplicationStatus string

const (
	StatusNotStarted  ApplicationStatus = "not_started"
	StatusInProgress  ApplicationStatus = "in_progress"
	StatusSubmitted   ApplicationStatus = "submitted"
	StatusUnderReview ApplicationStatus = "under_review"
	StatusDecided     ApplicationStatus = "decided"
)

// statusRank orders the status hierarchy for forward-only comparisons.
var statusRank = map[ApplicationStatus]int{
	StatusNotStarted:  0,
	StatusInProgress:  1,
	StatusSubmitted:   2,
	StatusUnderReview: 3,
	StatusDecided:     4,
}

// StatusRank returns the position of s in the status hierarchy, or -1 for
// values outside the internal vocabulary.
func StatusRank(s ApplicationStatus) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// StatusAtLeast reports whether a is at the same point or further along the
// status hierarchy than b. Unknown statuses are never considered ahead.
func StatusAtLeast(a, b ApplicationStatus) bool {
	return StatusRank(a) >= StatusRank(b)
}

type DecisionType string

const (
	DecisionAccepted   DecisionType = "accepted"
	DecisionRejected   DecisionType = "rejected"
	DecisionWaitlisted DecisionType = "waitlisted"
)

type Application struct {
	ID              string            `json:"id"`
	StudentID       string            `json:"studentId"`
	UniversityID    string            `json:"universityId"`
	ApplicationType string            `json:"applicationType"`
	Status          ApplicationStatus `json:"status"`
	Deadline        *time.Time        `json:"deadline,omitempty"`
	SubmittedDate   *time.Time        `json:"submittedDate,omitempty"`
	DecisionDate    *time.Time        `json:"decisionDate,omitempty"`
	DecisionType    *DecisionType     `json:"decisionType,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// StatusHistoryEntry records one status transition on an Application.
type StatusHistoryEntry struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"applicationId"`
	FromStatus    ApplicationStatus `json:"fromStatus"`
	ToStatus      ApplicationStatus `json:"toStatus"`
	ChangedBy     string            `json:"changedBy"` // e.g. "sync:commonapp", "webhook:commonapp"
	CreatedAt     time.Time         `json:"createdAt"`
}

// RequirementType is the internal requirement vocabulary.
type RequirementType string

const (
	RequirementEssay          RequirementType = "essay"
	RequirementRecommendation RequirementType = "recommendation"
	RequirementTranscript     RequirementType = "transcript"
	RequirementTestScores     RequirementType = "test_scores"
)

type Requirement struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"applicationId"`
	Type          RequirementType `json:"type"`
	Title         string          `json:"title"`
	Completed     bool            `json:"completed"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type University struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
	State   string `json:"state,omitempty"`
}
