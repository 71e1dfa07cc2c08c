package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

// WeightCache holds staged weights by name so that every consumer of a
// weight shares one device copy.
type WeightCache[T any] struct {
	data map[string]*device.SharedBuffer[T]
	mu   sync.RWMutex
}

func NewWeightCache[T any]() *WeightCache[T] {
	return &WeightCache[T]{
		data: make(map[string]*device.SharedBuffer[T]),
	}
}

// Get returns a retained handle to a cached weight. The caller must
// Release it.
func (c *WeightCache[T]) Get(name string) (*device.SharedBuffer[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.data[name]
	if !ok {
		return nil, false
	}
	h, err := b.Retain()
	if err != nil {
		log.Warn().Err(err).Str("weight", name).Msg("Cached weight already released")
		return nil, false
	}
	return h, true
}

// GetOrStage returns a retained handle to the weight cached under name,
// staging w on rt first if nothing is cached yet. The caller must Release
// the handle.
func (c *WeightCache[T]) GetOrStage(name string, rt device.Runtime, w *weights.Owned) (*device.SharedBuffer[T], error) {
	if b, ok := c.Get(name); ok {
		return b, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have staged it while we waited for the lock.
	if b, ok := c.data[name]; ok {
		return b.Retain()
	}

	buf, err := device.Stage[T](rt, w)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", name, err)
	}
	shared := device.Share(buf)
	c.data[name] = shared
	log.Debug().Str("weight", name).Int64("bytes", buf.SizeBytes()).Str("runtime", rt.Name()).Msg("Cached staged weight")
	return shared.Retain()
}

// Drop removes name from the cache. Device memory is freed once every
// handle returned for it has been released.
func (c *WeightCache[T]) Drop(name string) error {
	c.mu.Lock()
	b, ok := c.data[name]
	delete(c.data, name)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return b.Release()
}

func (c *WeightCache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close drops every entry.
func (c *WeightCache[T]) Close() error {
	c.mu.Lock()
	data := c.data
	c.data = make(map[string]*device.SharedBuffer[T])
	c.mu.Unlock()

	var errs []error
	for name, b := range data {
		if err := b.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
