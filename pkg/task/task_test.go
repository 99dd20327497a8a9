package task

import (
	"errors"
	"testing"
	"time"

	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWaitUntil(t *testing.T) {
	t.Run("satisfiedOnFirstAttempt", satisfiedOnFirstAttemptTest)
	t.Run("satisfiedAfterRetries", satisfiedAfterRetriesTest)
	t.Run("expired", expiredTest)
	t.Run("fatalError", fatalErrorTest)
}

func satisfiedOnFirstAttemptTest(t *testing.T) {
	outcome, err := WaitUntil(func() (bool, error) { return true, nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, outcome.Satisfied)
	require.False(t, outcome.Expired)
	require.Equal(t, 1, outcome.Attempts)
	require.NoError(t, outcome.Err("noop"))
}

func satisfiedAfterRetriesTest(t *testing.T) {
	calls := 0
	outcome, err := WaitUntil(func() (bool, error) {
		calls++
		return calls == 3, nil
	}, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.True(t, outcome.Satisfied)
	require.Equal(t, 3, outcome.Attempts)
}

func expiredTest(t *testing.T) {
	outcome, err := WaitUntil(func() (bool, error) { return false, nil }, 30*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	require.False(t, outcome.Satisfied)
	require.True(t, outcome.Expired)
	require.GreaterOrEqual(t, outcome.Elapsed, 30*time.Millisecond)
	require.Greater(t, outcome.Attempts, 1)

	var timedOut *tperrors.ErrTimedOut
	require.ErrorAs(t, outcome.Err("failover of gw1"), &timedOut)
	require.Equal(t, 30*time.Millisecond, timedOut.Timeout)
}

func fatalErrorTest(t *testing.T) {
	fatal := errors.New("split brain")
	calls := 0
	outcome, err := WaitUntil(func() (bool, error) {
		calls++
		return false, fatal
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
	require.False(t, outcome.Satisfied)
	require.False(t, outcome.Expired)
}

func TestDoRetryWithTimeout(t *testing.T) {
	calls := 0
	out, err := DoRetryWithTimeout(func() (interface{}, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	}, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	_, err = DoRetryWithTimeout(func() (interface{}, error) {
		return nil, errors.New("never")
	}, 20*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
}
