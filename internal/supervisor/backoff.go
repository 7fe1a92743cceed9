package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff waits Step, 2*Step, ... MaxSteps*Step and then starts over
// at Step.
type LinearBackOff struct {
	Step     time.Duration
	MaxSteps int

	n int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.n++
	if b.MaxSteps > 0 && b.n > b.MaxSteps {
		b.n = 1
	}
	return time.Duration(b.n) * b.Step
}

func (b *LinearBackOff) Reset() { b.n = 0 }
