package delivery

import "time"

// retrySchedule maps the attempt about to be made to the delay before it.
// There is deliberately no entry for attempt 1: a delivery's first failure
// already advances it to the attempt-2 delay, so no immediate retry exists.
var retrySchedule = map[int]time.Duration{
	2: 5 * time.Minute,
	3: 30 * time.Minute,
	4: 2 * time.Hour,
	5: 24 * time.Hour,
}

// fallbackDelay covers attempt numbers beyond the schedule.
const fallbackDelay = 24 * time.Hour

// RetryDelay returns the backoff before the given (post-increment) attempt.
func RetryDelay(attempt int) time.Duration {
	if d, ok := retrySchedule[attempt]; ok {
		return d
	}
	return fallbackDelay
}
