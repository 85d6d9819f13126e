package multistep_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-taskcontrol/gate"
	"github.com/joeycumines/go-taskcontrol/multistep"
)

func TestNew_panicsOnEmptySteps(t *testing.T) {
	assert.Panics(t, func() { multistep.New(nil) })
}

func TestCoordinator_Gates_lengthMatchesSteps(t *testing.T) {
	c := multistep.New([]int{1, 2, 3})
	require.Len(t, c.Gates(), 3)
}

func TestCoordinator_Run_stepByStepAcquisition(t *testing.T) {
	c := multistep.New([]int{1, 1})

	fut := multistep.Run(c, func(ctx context.Context, gates []*gate.Gate) (string, error) {
		tok0, err := gates[0].Acquire().Wait(ctx)
		if err != nil {
			return "", err
		}
		defer tok0.Release()

		tok1, err := gates[1].Acquire().Wait(ctx)
		if err != nil {
			return "", err
		}
		defer tok1.Release()

		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)

	assert.True(t, c.Gates()[0].IsAvailable())
	assert.True(t, c.Gates()[1].IsAvailable())
}

func TestCoordinator_Run_panicConvertedToError(t *testing.T) {
	c := multistep.New([]int{1})
	fut := multistep.Run(c, func(context.Context, []*gate.Gate) (int, error) {
		panic("boom")
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)
}

func TestCoordinator_IsStepLockLimitReached(t *testing.T) {
	c := multistep.New([]int{1})
	assert.False(t, c.IsStepLockLimitReached(0))
	assert.False(t, c.IsStepLockLimitReached(5))

	_, ok := c.Gates()[0].TryAcquire()
	require.True(t, ok)
	assert.True(t, c.IsStepLockLimitReached(0))

	c.ReleaseAll()
	assert.False(t, c.IsStepLockLimitReached(0))
}

func TestRunForEachArgs_preservesOrder(t *testing.T) {
	c := multistep.New([]int{2})

	args := []int{1, 2, 3, 4}
	fut := multistep.RunForEachArgs(c, args, func(ctx context.Context, gates []*gate.Gate, n int) (int, error) {
		tok, err := gates[0].Acquire().Wait(ctx)
		if err != nil {
			return 0, err
		}
		defer tok.Release()
		if n == 3 {
			return 0, errors.New("boom")
		}
		return n * n, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	results, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, 1, results[0].Value)
	assert.Equal(t, 4, results[1].Value)
	assert.Error(t, results[2].Err)
	assert.Equal(t, 16, results[3].Value)
}
