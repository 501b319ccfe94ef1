package jobqueue

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusRetrying:   {StatusInProgress, StatusCancelled},
	// failed -> pending is only taken by a manual retry of an exhausted job
	StatusFailed: {StatusRetrying, StatusPending},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether a job still holds or waits for a worker.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusRetrying
}

// transition moves j to status to, or returns ErrInvalidTransition.
func transition(j *Job, to Status) error {
	if !CanTransition(j.Status, to) {
		return transitionError(j.Status, to)
	}
	j.Status = to
	return nil
}
