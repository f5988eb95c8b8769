package interfaces

import (
	"context"
	"time"

	"iattend/pkg/types"
)

// SessionStore handles session lifecycle operations
// ARCHITECTURAL DISCOVERY: Context-first design pattern ensures proper
// cancellation and timeout handling across all session operations
type SessionStore interface {
	// Open allocates a fresh code and starts an active session
	Open(ctx context.Context, caller types.Caller, courseID string, durationSeconds int) (*types.Session, error)

	// Get returns types.ErrUnknownSession when absent
	Get(ctx context.Context, sessionID string) (*types.Session, error)

	// IsValid reports whether a claim at now falls inside the active window.
	// An elapsed active session is transitioned to ended as a side effect.
	IsValid(ctx context.Context, session *types.Session, now time.Time) (bool, error)

	// End forces an active session to ended. Ending twice is a no-op.
	End(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error)

	// Cancel moves an active session to cancelled
	Cancel(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error)

	ListActive(ctx context.Context) ([]*types.Session, error)
	ListActiveByCourse(ctx context.Context, courseID string) ([]*types.Session, error)
}
