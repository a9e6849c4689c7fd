package scheduler

import "errors"

var (
	// ErrPollerNotRunning is returned by Trigger on a poller that was not started or was stopped
	ErrPollerNotRunning = errors.New("status poller is not running")

	// ErrPollQueueFull means every worker is busy and the tenant queue has no room left
	ErrPollQueueFull = errors.New("status poll queue is full")

	ErrInvalidConfig = errors.New("invalid status poller configuration")
)
