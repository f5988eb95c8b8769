package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrPublishChannelFull = errors.New("publish channel is full")
	ErrInvalidChannel     = errors.New("channel name must not be empty")
)
