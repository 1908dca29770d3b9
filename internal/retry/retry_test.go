package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, ClassTTFBTimeout, Classify(ErrTTFBTimeout))
	require.Equal(t, ClassFatal, Classify(context.Canceled))
	require.Equal(t, ClassRateLimited, Classify(&StatusError{StatusCode: 429}))
	require.Equal(t, ClassOther, Classify(&StatusError{StatusCode: 503}))
	require.Equal(t, ClassOther, Classify(errors.New("connection reset by peer")))
}

func TestDelay_TTFBTimeoutIsImmediate(t *testing.T) {
	require.Equal(t, time.Duration(0), Delay(ClassTTFBTimeout, 5))
}

func TestDelay_RateLimitedSilentWindow(t *testing.T) {
	for retries := 1; retries <= 9; retries++ {
		require.Equal(t, 1*time.Second, Delay(ClassRateLimited, retries))
	}
}

func TestDelay_RateLimitedBackoffEscalatesAndCaps(t *testing.T) {
	require.Equal(t, 2*time.Second, Delay(ClassRateLimited, 10))
	require.Equal(t, 4*time.Second, Delay(ClassRateLimited, 11))
	require.Equal(t, 8*time.Second, Delay(ClassRateLimited, 12))
	require.Equal(t, 10*time.Second, Delay(ClassRateLimited, 13)) // would be 16s, capped at 10s
	require.Equal(t, 10*time.Second, Delay(ClassRateLimited, 20))
}

func TestDelay_Other(t *testing.T) {
	require.Equal(t, 20*time.Second, Delay(ClassOther, 1))
}

func TestPriority_OnlyTTFBTimeout(t *testing.T) {
	require.True(t, Priority(ClassTTFBTimeout))
	require.False(t, Priority(ClassRateLimited))
	require.False(t, Priority(ClassOther))
}
