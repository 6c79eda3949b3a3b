package models

import (
	"time"

	"github.com/google/uuid"
)

type ImageStatus string

const (
	ImageStatusPending     ImageStatus = "pending"
	ImageStatusProcessing  ImageStatus = "processing"
	ImageStatusCompleted   ImageStatus = "completed"
	ImageStatusNeedsReview ImageStatus = "needs_review"
	ImageStatusFailed      ImageStatus = "failed"
)

// Terminal reports whether a status ends the processing lifecycle.
func (s ImageStatus) Terminal() bool {
	switch s {
	case ImageStatusCompleted, ImageStatusNeedsReview, ImageStatusFailed:
		return true
	}
	return false
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DetectedComponent is one machine-readable code found on the circuit photo.
// Polygon is the four corners of the detector's bounding box, clockwise from
// the top-left.
type DetectedComponent struct {
	Code     string   `json:"code"`
	Method   string   `json:"method"`
	Kind     string   `json:"kind"`
	Readable bool     `json:"readable"`
	Polygon  [4]Point `json:"polygon"`
}

type CircuitImage struct {
	ID               uuid.UUID           `json:"id" db:"id"`
	ExperimentID     uuid.UUID           `json:"experiment_id" db:"experiment_id"`
	OwnerID          uuid.UUID           `json:"owner_id" db:"owner_id"`
	StorageKey       string              `json:"storage_key" db:"storage_key"`
	ThumbnailKey     string              `json:"thumbnail_key" db:"thumbnail_key"`
	OriginalFilename string              `json:"original_filename" db:"original_filename"`
	Status           ImageStatus         `json:"status" db:"status"`
	Components       []DetectedComponent `json:"components" db:"components"`
	Feedback         string              `json:"feedback" db:"feedback"`
	AnnotatedKey     string              `json:"annotated_key" db:"annotated_key"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
}
