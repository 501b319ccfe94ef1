package jobqueue

import "time"

// Backoff is a fixed delay sequence indexed by retry count. Retries past
// the end reuse the last delay.
type Backoff []time.Duration

var DefaultBackoff = Backoff{time.Second, 5 * time.Second, 15 * time.Second, time.Minute}

// Delay returns the wait before the retry numbered retryCount (1-based).
func (b Backoff) Delay(retryCount int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(b) {
		i = len(b) - 1
	}
	return b[i]
}
