package bulk

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

var (
	errForbidden = errors.New("403 forbidden")
	errNotFound  = errors.New("404 unknown member")
	errOther     = errors.New("connection reset")
)

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func TestSessionSwallowsBelowThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSession(3, errForbidden, errNotFound)

	require.NoError(t, s.Attempt(ctx, fail(errForbidden)))
	require.NoError(t, s.Attempt(ctx, ok))
	require.NoError(t, s.Attempt(ctx, fail(errNotFound)))
	require.False(t, s.Tripped())
	require.Equal(t, Tally{Attempts: 3, Succeeded: 1, Failed: 2}, s.Tally())
}

func TestSessionRaisesAtThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSession(2, errForbidden)

	require.NoError(t, s.Attempt(ctx, fail(errForbidden)))
	err := s.Attempt(ctx, fail(errForbidden))
	require.ErrorIs(t, err, ErrThresholdExceeded)
	require.ErrorIs(t, err, errForbidden)

	var te *ThresholdError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 2, te.Failures)
	require.Equal(t, 2, te.Max)

	ran := false
	err = s.Attempt(ctx, func(context.Context) error { ran = true; return nil })
	require.ErrorIs(t, err, ErrThresholdExceeded)
	require.False(t, ran, "attempt ran after the session tripped")
}

func TestSessionPropagatesUnmatched(t *testing.T) {
	t.Parallel()
	s := NewSession(5, errForbidden)
	err := s.Attempt(context.Background(), fail(errOther))
	require.ErrorIs(t, err, errOther)
	require.NotErrorIs(t, err, ErrThresholdExceeded)
	require.False(t, s.Tripped())
}

func TestSessionUnmatchedDoesNotCountTowardLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSession(3, errForbidden)

	// The caller tolerates the unmatched error and keeps going.
	require.ErrorIs(t, s.Attempt(ctx, fail(errOther)), errOther)
	require.NoError(t, s.Attempt(ctx, fail(errForbidden)))
	require.NoError(t, s.Attempt(ctx, fail(errForbidden)))
	require.False(t, s.Tripped())
	require.Equal(t, Tally{Attempts: 3, Failed: 2, Unexpected: 1}, s.Tally())

	err := s.Attempt(ctx, fail(errForbidden))
	require.ErrorIs(t, err, ErrThresholdExceeded)
	var te *ThresholdError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 3, te.Failures)
}

func TestSessionWithoutKindsMatchesEverything(t *testing.T) {
	t.Parallel()
	s := NewSession(0)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Attempt(context.Background(), fail(errOther)))
	}
	require.Equal(t, 20, s.Tally().Failed)
}

func TestSessionWithMatcher(t *testing.T) {
	t.Parallel()
	s := NewSession(1).WithMatcher(func(err error) bool { return errors.Is(err, errNotFound) })
	require.ErrorIs(t, s.Attempt(context.Background(), fail(errOther)), errOther)
	require.ErrorIs(t, s.Attempt(context.Background(), fail(errNotFound)), ErrThresholdExceeded)
}

func TestDo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSession(2, errNotFound)

	v, got, err := Do(ctx, s, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.True(t, got)
	require.Equal(t, 7, v)

	v, got, err = Do(ctx, s, func(context.Context) (int, error) { return 9, errNotFound })
	require.NoError(t, err)
	require.False(t, got)
	require.Zero(t, v)
}

func TestWithSessionReturnsThreshold(t *testing.T) {
	t.Parallel()
	tally, err := WithSession(context.Background(), 3, []error{errForbidden}, func(ctx context.Context, s *Session) error {
		for i := 0; i < 5; i++ {
			e := error(nil)
			if i%2 == 0 {
				e = errForbidden
			}
			if err := s.Attempt(ctx, fail(e)); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, ErrThresholdExceeded)
	require.Equal(t, Tally{Attempts: 5, Succeeded: 2, Failed: 3}, tally)
}

func TestWithSessionBodyErrorPropagates(t *testing.T) {
	t.Parallel()
	tally, err := WithSession(context.Background(), 10, []error{errForbidden}, func(ctx context.Context, s *Session) error {
		if err := s.Attempt(ctx, fail(errForbidden)); err != nil {
			return err
		}
		// Raised outside Attempt: not tolerated even though the kind matches.
		return errForbidden
	})
	require.ErrorIs(t, err, errForbidden)
	require.Equal(t, 1, tally.Failed)
}

// For any sequence of outcomes, the loop stops exactly at the F-th matched
// failure, and never before it.
func TestSessionThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("raises on the F-th failure only", prop.ForAll(
		func(maxFailures int, outcomes []bool) bool {
			s := NewSession(maxFailures, errForbidden)
			failures := 0
			for _, failed := range outcomes {
				e := error(nil)
				if failed {
					e = errForbidden
					failures++
				}
				err := s.Attempt(context.Background(), fail(e))
				reached := failures >= maxFailures
				if reached != (err != nil) {
					return false
				}
				if err != nil {
					return errors.Is(err, ErrThresholdExceeded) && s.Tally().Failed == maxFailures
				}
			}
			return failures < maxFailures && s.Tally().Attempts == len(outcomes)
		},
		gen.IntRange(1, 10),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
