package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the provider has no record of a session,
// either because it was never created or because it has expired.
var ErrNotFound = errors.New("provider: session not found")

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether the session can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusTimedOut
}

// OwnerMetadataKey is the session metadata key holding the owning identity.
const OwnerMetadataKey = "userId"

// Session is one automation run as reported by the browser provider.
type Session struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	OwnerID   string         `json:"ownerId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Region    string         `json:"region,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Provider looks up session metadata.
type Provider interface {
	GetSession(ctx context.Context, id string) (*Session, error)
}
