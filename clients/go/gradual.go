// Package gradual provides client interfaces and domain types for the gradual
// feature flag service.
//
// Use the http sub-package to create a client:
//
//	import gradualhttp "github.com/gradualhq/gradual/clients/go/http"
package gradual

import (
	"context"
	"time"
)

// FlagManager covers CRUD operations on feature flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag NewFlag) (Flag, error)
	GetFlag(ctx context.Context, name string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, name string, update FlagUpdate) (Flag, error)
	DeleteFlag(ctx context.Context, name string) error
}

// Evaluator covers per-user flag resolution.
type Evaluator interface {
	UserFlags(ctx context.Context, userID string) ([]Evaluation, error)
	UserFlag(ctx context.Context, userID, name string) (Evaluation, error)
}

// Streamer delivers real-time flag change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan FlagEvent, error)
}

// Flag is the domain representation of a feature flag. A nil RolloutPercentage
// means the flag has no partial rollout: when enabled it is on for every user.
type Flag struct {
	Name              string
	Description       string
	Enabled           bool
	RolloutPercentage *float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewFlag describes a flag to create.
type NewFlag struct {
	Name              string
	Description       string
	Enabled           bool
	RolloutPercentage *float64
}

// FlagUpdate describes a partial update to a flag. Nil fields are left
// untouched. ClearRollout removes any percentage rollout, reverting the flag
// to all-or-nothing behavior; it is ignored when RolloutPercentage is set.
type FlagUpdate struct {
	Enabled           *bool
	Description       *string
	RolloutPercentage *float64
	ClearRollout      bool
}

// Evaluation is the server's decision for a single flag and user.
type Evaluation struct {
	Name        string
	Enabled     bool
	Description string
}

// FlagEvent is a real-time notification of a flag change.
type FlagEvent struct {
	Type    string // "create" | "update" | "delete" | "error"
	Name    string
	Flag    *Flag // nil on error events
	EventID int64
}
