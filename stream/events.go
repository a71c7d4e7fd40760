package stream

// Events emitted by a Sender.
type (
	// LineCompleted reports the acknowledgment of a program line. Index
	// includes the job's line offset.
	LineCompleted struct{ Index int }

	// JobCompleted is emitted exactly once per started job.
	JobCompleted struct {
		Success bool
		Stats   Stats
		Reason  string
		Err     error
	}

	ProgressUpdated struct{ Stats Stats }

	// CommandError reports an error or alarm response. Command is the
	// oldest unacknowledged line when it arrived.
	CommandError struct {
		Code    int
		Message string
		Command string
		Alarm   bool
	}

	// RehomeRequired follows every alarm: the controller refuses motion
	// until it is unlocked or homed.
	RehomeRequired struct {
		Code    int
		Message string
	}

	StateChanged struct{ From, To ExecutionState }
)
