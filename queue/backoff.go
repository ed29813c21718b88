package queue

import "time"

// BackoffStrategy decides how long a nacked message stays hidden.
type BackoffStrategy interface {
	Delay(receiveCount int) time.Duration
}

// ExponentialBackoff doubles the delay per receive, starting at Base and capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffStrategy yields roughly 1, 2, 4, 8 and 16 minutes.
func DefaultBackoffStrategy() ExponentialBackoff {
	return ExponentialBackoff{Base: time.Minute, Max: 16 * time.Minute}
}

func (b ExponentialBackoff) Delay(receiveCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Minute
	}
	maximum := b.Max
	if maximum < base {
		maximum = base
	}
	if receiveCount < 1 {
		receiveCount = 1
	}
	delay := base
	for i := 1; i < receiveCount; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return delay
}

// ConstantBackoff hides every nacked message for the same duration.
type ConstantBackoff time.Duration

func (b ConstantBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}
