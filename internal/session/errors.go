package session

import "errors"

// Session lifecycle errors local to this package. Errors shared with the API
// boundary live in pkg/types.
var (
	ErrSessionNotActive  = errors.New("session is not active")
	ErrSweeperRunning    = errors.New("sweeper is already running")
	ErrSweeperNotRunning = errors.New("sweeper is not running")
)
