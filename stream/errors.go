package stream

import (
	"errors"
	"fmt"
)

var (
	ErrJobActive       = errors.New("a job is active")
	ErrNoJob           = errors.New("no commands to run")
	ErrNotRunning      = errors.New("job is not running")
	ErrNotPaused       = errors.New("job is not paused")
	ErrNothingToResume = errors.New("no remaining work to resume")
	ErrNotConnected    = errors.New("transport not connected")
	ErrLineTooLong     = errors.New("line exceeds controller buffer")
	ErrWriteFailed     = errors.New("write failed")
	ErrControllerReset = errors.New("controller reset")
	ErrCancelled       = errors.New("cancelled")
)

// ProtocolError is an error or alarm response that ended a job.
type ProtocolError struct {
	Code    int
	Alarm   bool
	Raw     string
	Message string
	Command string
}

func (e *ProtocolError) Error() string {
	kind := "error"
	if e.Alarm {
		kind = "alarm"
	}
	if e.Command == "" {
		return fmt.Sprintf("%s %d: %s", kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %d on %q: %s", kind, e.Code, e.Command, e.Message)
}
