package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeKeyOrdering(t *testing.T) {
	t.Parallel()
	a := NodeKey{Timestep: 1, ID: 9}
	b := NodeKey{Timestep: 2, ID: 1}
	c := NodeKey{Timestep: 2, ID: 3}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(b))
	assert.False(t, b.Less(b))
	assert.Equal(t, "t=2/id=3", c.String())
}

func TestClampProbability(t *testing.T) {
	t.Parallel()
	assert.Equal(t, MinProbability, ClampProbability(0))
	assert.Equal(t, MinProbability, ClampProbability(math.NaN()))
	assert.Equal(t, MaxProbability, ClampProbability(1))
	assert.Equal(t, 0.5, ClampProbability(0.5))
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()
	node := NodeKey{Timestep: 3, ID: 4}
	cfgErr := &ConfigError{Param: "max_objects", Node: &node, Reason: "too few classes"}
	assert.ErrorIs(t, cfgErr, ErrConfiguration)
	assert.Contains(t, cfgErr.Error(), "t=3/id=4")

	frameErr := &FrameError{Frame: 7, Err: ErrEmptyFrame}
	assert.ErrorIs(t, frameErr, ErrEmptyFrame)

	var fe *FrameError
	require.True(t, errors.As(error(frameErr), &fe))
	assert.Equal(t, 7, fe.Frame)

	assert.ErrorIs(t, &NodeError{Node: node, Err: ErrInfeasible}, ErrInfeasible)
}

func TestLabelImage(t *testing.T) {
	t.Parallel()
	img := NewLabelImage(4, 3, 0)
	require.Equal(t, 1, img.Depth)
	img.Set(1, 2, 0, 5)
	img.Set(3, 0, 0, 5)
	img.Set(0, 0, 0, 2)

	assert.Equal(t, uint32(5), img.At(1, 2, 0))
	assert.Equal(t, uint32(5), img.MaxID())
	assert.Equal(t, []Vec3{{3, 0, 0}, {1, 2, 0}}, img.Coordinates(5))

	cp := img.Clone()
	cp.Set(0, 0, 0, 9)
	assert.Equal(t, uint32(2), img.At(0, 0, 0))

	src := MapLabelSource{0: img}
	got, err := src.Frame(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, img, got)
	_, err = src.Frame(context.Background(), 1)
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	type cfg struct{ A, B int }
	a, err := Fingerprint(cfg{1, 2})
	require.NoError(t, err)
	b, err := Fingerprint(cfg{1, 2})
	require.NoError(t, err)
	c, err := Fingerprint(cfg{2, 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMemo(t *testing.T) {
	t.Parallel()
	m := NewMemo("fp1")
	var computed int32
	compute := func() (int, error) {
		atomic.AddInt32(&computed, 1)
		return 42, nil
	}

	t.Run("hit after miss", func(t *testing.T) {
		v, err := Memoize(m, "coords/1/2", compute)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		v, err = Memoize(m, "coords/1/2", compute)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, int32(1), atomic.LoadInt32(&computed))
		assert.Equal(t, 1, m.Len())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Memoize(m, "bad", func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
		v, err := Memoize(m, "bad", func() (int, error) { return 7, nil })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("same fingerprint keeps entries", func(t *testing.T) {
		assert.False(t, m.Reset("fp1"))
		assert.Equal(t, 2, m.Len())
	})

	t.Run("new fingerprint flushes wholesale", func(t *testing.T) {
		assert.True(t, m.Reset("fp2"))
		assert.Equal(t, 0, m.Len())
		assert.Equal(t, "fp2", m.Fingerprint())
	})
}

func TestMemo_ConcurrentMisses(t *testing.T) {
	t.Parallel()
	m := NewMemo("fp")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Memoize(m, "shared", func() (string, error) { return "value", nil })
			assert.NoError(t, err)
			assert.Equal(t, "value", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, m.Len())
}
