package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

func fp16Weight(t *testing.T, vals ...float32) *weights.Owned {
	t.Helper()
	w, err := weights.Convert(weights.RawFloat32(vals), dtype.Float16)
	require.NoError(t, err)
	return w
}

func TestWeightCache_StagesOnce(t *testing.T) {
	rt := device.NewCPURuntime()
	c := NewWeightCache[uint16]()
	w := fp16Weight(t, 1, 2, 3)

	first, err := c.GetOrStage("encoder.q", rt, w)
	require.NoError(t, err)
	second, err := c.GetOrStage("encoder.q", rt, w)
	require.NoError(t, err)

	assert.Equal(t, first.Ptr(), second.Ptr())
	assert.Equal(t, 3, first.Len())
	assert.Equal(t, 1, c.Size())

	mallocs, _ := rt.Stats()
	assert.Equal(t, int64(1), mallocs)

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
	assert.Equal(t, 1, rt.Live(), "cache still holds the weight")

	require.NoError(t, c.Drop("encoder.q"))
	assert.Equal(t, 0, rt.Live())
	assert.Equal(t, 0, c.Size())
	assert.NoError(t, c.Drop("encoder.q"))
}

func TestWeightCache_DropWhileHeld(t *testing.T) {
	rt := device.NewCPURuntime()
	c := NewWeightCache[uint16]()

	h, err := c.GetOrStage("bias", rt, fp16Weight(t, 4))
	require.NoError(t, err)

	require.NoError(t, c.Drop("bias"))
	assert.Equal(t, 1, rt.Live())
	_, ok := c.Get("bias")
	assert.False(t, ok)

	require.NoError(t, h.Release())
	assert.Equal(t, 0, rt.Live())
}

func TestWeightCache_StageError(t *testing.T) {
	rt := device.NewCPURuntime()
	c := NewWeightCache[float32]()

	_, err := c.GetOrStage("bad", rt, fp16Weight(t, 1, 2, 3))
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
	assert.Equal(t, 0, c.Size())
}

func TestWeightCache_Concurrent(t *testing.T) {
	rt := device.NewCPURuntime()
	c := NewWeightCache[uint16]()
	w := fp16Weight(t, 1, 2, 3, 4)

	var wg sync.WaitGroup
	handles := make([]*device.SharedBuffer[uint16], 16)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.GetOrStage("shared", rt, w)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	mallocs, _ := rt.Stats()
	assert.Equal(t, int64(1), mallocs)
	for _, h := range handles {
		require.NotNil(t, h)
		require.NoError(t, h.Release())
	}

	require.NoError(t, c.Close())
	assert.Equal(t, 0, rt.Live())
	assert.Equal(t, 0, c.Size())
}
