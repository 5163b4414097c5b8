package circuit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("test", 3, time.Hour)
	boom := fmt.Errorf("boom")

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New("test", 1, time.Millisecond)
	require.Error(t, b.Do(func() error { return fmt.Errorf("boom") }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := New("test", 1, time.Millisecond)
	require.Error(t, b.Do(func() error { return fmt.Errorf("boom") }))

	time.Sleep(5 * time.Millisecond)
	require.Error(t, b.Do(func() error { return fmt.Errorf("still down") }))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("test", 2, time.Hour)
	require.Error(t, b.Do(func() error { return fmt.Errorf("boom") }))
	require.NoError(t, b.Do(func() error { return nil }))
	require.Error(t, b.Do(func() error { return fmt.Errorf("boom") }))
	assert.Equal(t, StateClosed, b.State())
}
