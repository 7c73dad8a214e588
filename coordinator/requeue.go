package coordinator

import (
	"math/rand/v2"
	"time"

	"forksentry/model"
)

const (
	minRequeueDelay     = time.Minute
	defaultRequeueDelay = time.Hour
	maxRequeueJitter    = time.Minute
)

// requeueDelay waits for the reported quota reset plus jitter, so deferred
// jobs do not all return the moment the quota refills. Without a reset time
// the job waits an hour.
func (c *Coordinator) requeueDelay(err error) time.Duration {
	delay := defaultRequeueDelay
	if reset, ok := model.ResetTime(err); ok {
		delay = reset.Sub(c.now())
	}
	delay += c.jitter(maxRequeueJitter)
	if delay < minRequeueDelay {
		delay = minRequeueDelay
	}
	return delay
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}
