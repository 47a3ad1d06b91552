package betamax

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentSession is returned when UseCassette is called while
	// another cassette is in use on the same VCR.
	ErrConcurrentSession = errors.New("betamax: a cassette is already in use")

	// ErrMatchNotFound is matched by every MatchNotFoundError.
	ErrMatchNotFound = errors.New("betamax: no recorded interaction matches request")

	ErrSessionClosed = errors.New("betamax: cassette session is closed")
)

// MatchNotFoundError is returned from an outbound call in replay mode when no
// unused recorded interaction matches it. The request never reaches the
// network.
type MatchNotFoundError struct {
	Cassette string
	Method   string
	URL      string
}

func (e *MatchNotFoundError) Error() string {
	return fmt.Sprintf("betamax: cassette %q has no unused interaction matching %s %s", e.Cassette, e.Method, e.URL)
}

func (e *MatchNotFoundError) Is(target error) bool {
	return target == ErrMatchNotFound
}
