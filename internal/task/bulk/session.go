package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrThresholdExceeded = errors.New("failure threshold exceeded")

// ThresholdError is raised by the attempt whose failure reached the limit,
// and by every attempt after it.
type ThresholdError struct {
	Failures int
	Max      int
	Last     error
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s (%d/%d): %v", ErrThresholdExceeded, e.Failures, e.Max, e.Last)
}

func (e *ThresholdError) Is(target error) bool { return target == ErrThresholdExceeded }

func (e *ThresholdError) Unwrap() error { return e.Last }

// Tally is a snapshot of what a Session has seen.
type Tally struct {
	Attempts  int
	Succeeded int
	// Failed counts matched failures only; they are what the threshold sees.
	Failed int
	// Unexpected counts errors outside the configured kinds. They are
	// returned to the caller and never move the session toward its limit.
	Unexpected int
}

// Session tolerates up to maxFailures-1 expected errors across a loop. The
// failure that reaches maxFailures is returned to the caller, and so is any
// error that does not match the configured kinds. maxFailures <= 0 tolerates
// every matched error.
type Session struct {
	max   int
	match func(error) bool

	mu      sync.Mutex
	tally   Tally
	tripped *ThresholdError
}

// NewSession matches errors with errors.Is against kinds. With no kinds every
// non-nil error counts as expected.
func NewSession(maxFailures int, kinds ...error) *Session {
	ks := append([]error(nil), kinds...)
	return &Session{
		max: maxFailures,
		match: func(err error) bool {
			if len(ks) == 0 {
				return true
			}
			for _, k := range ks {
				if errors.Is(err, k) {
					return true
				}
			}
			return false
		},
	}
}

// WithMatcher replaces the kind check, for platform errors that are easier
// to classify by code than by sentinel.
func (s *Session) WithMatcher(match func(error) bool) *Session {
	if match != nil {
		s.match = match
	}
	return s
}

// Attempt runs op unless the session has already tripped. A matched failure
// below the limit is counted and swallowed, so Attempt returns nil.
func (s *Session) Attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if err := s.refuse(); err != nil {
		return err
	}
	return s.Record(op(ctx))
}

// Record applies the session's rules to an error produced elsewhere. It
// returns nil for success and for tolerated failures.
func (s *Session) Record(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tally.Attempts++
	if err == nil {
		s.tally.Succeeded++
		return nil
	}
	if !s.match(err) {
		s.tally.Unexpected++
		return err
	}
	if s.tripped != nil {
		return s.tripped
	}
	s.tally.Failed++
	if s.max > 0 && s.tally.Failed >= s.max {
		s.tripped = &ThresholdError{Failures: s.tally.Failed, Max: s.max, Last: err}
		return s.tripped
	}
	return nil
}

func (s *Session) refuse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tripped != nil {
		return s.tripped
	}
	return nil
}

// Tripped reports whether the threshold has been reached.
func (s *Session) Tripped() bool { return s.refuse() != nil }

func (s *Session) Tally() Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally
}

// Do is Attempt for operations that produce a value. ok is false when op
// failed, whether or not the failure was swallowed.
func Do[T any](ctx context.Context, s *Session, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if err := s.refuse(); err != nil {
		return zero, false, err
	}
	v, opErr := op(ctx)
	if err := s.Record(opErr); err != nil {
		return zero, false, err
	}
	if opErr != nil {
		return zero, false, nil
	}
	return v, true, nil
}

// WithSession opens a session, runs body and returns what it counted.
// Failures are only tolerated inside s.Attempt; an error returned by body
// itself, including a ThresholdError it passed through, is returned as is.
func WithSession(ctx context.Context, maxFailures int, kinds []error, body func(ctx context.Context, s *Session) error) (Tally, error) {
	s := NewSession(maxFailures, kinds...)
	err := body(ctx, s)
	return s.Tally(), err
}
