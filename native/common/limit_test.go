package common

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimitCallsPerWindow(t *testing.T) {
	l := Limit{Calls: 2, Blocks: 10}
	var u Usage
	var err error
	for height := uint64(20); height < 22; height++ {
		u, err = l.Charge(u, height, 0)
		require.NoError(t, err)
	}
	require.Equal(t, Usage{Window: 2, Calls: 2}, u)

	denied, err := l.Charge(u, 29, 0)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, u, denied)
	var lerr *LimitError
	require.True(t, errors.As(err, &lerr))
	require.Equal(t, "calls", lerr.Resource)
	require.Equal(t, uint64(2), lerr.Cap)

	// The next window starts from zero.
	u, err = l.Charge(u, 30, 0)
	require.NoError(t, err)
	require.Equal(t, Usage{Window: 3, Calls: 1}, u)
}

func TestLimitAmount(t *testing.T) {
	l := Limit{Amount: 100}
	u, err := l.Charge(Usage{}, 5, 60)
	require.NoError(t, err)
	u, err = l.Charge(u, 900, 40)
	require.NoError(t, err)
	require.Equal(t, Usage{Calls: 2, Amount: 100}, u, "no window length means one window")

	_, err = l.Charge(u, 901, 1)
	var lerr *LimitError
	require.True(t, errors.As(err, &lerr))
	require.Equal(t, "amount", lerr.Resource)
	require.Equal(t, uint64(100), lerr.Spent)
	require.Equal(t, uint64(1), lerr.Requested)
	require.Contains(t, err.Error(), "amount cap 100 reached")
}

func TestLimitOverflow(t *testing.T) {
	var l Limit
	require.False(t, l.Active())
	require.True(t, Limit{Amount: 1}.Active())

	_, err := l.Charge(Usage{Amount: math.MaxUint64}, 0, 1)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Contains(t, err.Error(), "overflow")

	_, err = l.Charge(Usage{Calls: math.MaxUint32}, 0, 0)
	require.ErrorIs(t, err, ErrLimitExceeded)
}
