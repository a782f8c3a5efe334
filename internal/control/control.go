package control

import "time"

// MaxPollDelay caps the sleep between failed polls.
const MaxPollDelay = 30 * time.Second

// PollDelay returns how long the poll loop sleeps after consecutive
// failures: base after the first, doubling for each further failure up to
// MaxPollDelay. A non-positive base counts as one second.
func PollDelay(base time.Duration, consecutiveFailures int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < consecutiveFailures && d < MaxPollDelay; i++ {
		d *= 2
	}
	if d > MaxPollDelay {
		return MaxPollDelay
	}
	return d
}
