package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedPool_PreservesOrderPerKey(t *testing.T) {
	p := NewKeyedPool("test", 4, 8)
	p.Start()
	defer p.Stop()

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	var keys []string
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("sensor-%d", i%5))
	}

	err := p.Run(context.Background(), keys, func(i int) {
		mu.Lock()
		defer mu.Unlock()
		seen[keys[i]] = append(seen[keys[i]], i)
	})
	require.NoError(t, err)

	require.Len(t, seen, 5)
	for key, order := range seen {
		assert.Len(t, order, 40, key)
		for j := 1; j < len(order); j++ {
			assert.Less(t, order[j-1], order[j], "work for %s ran out of order", key)
		}
	}
}

func TestKeyedPool_SameKeySameSlot(t *testing.T) {
	p := NewKeyedPool("test", 8, 1)
	assert.Equal(t, p.Slot("S1"), p.Slot("S1"))
	assert.Equal(t, 8, p.Size())
	for _, k := range []string{"a", "b", "c", "d"} {
		assert.GreaterOrEqual(t, p.Slot(k), 0)
		assert.Less(t, p.Slot(k), 8)
	}
}

func TestKeyedPool_RecoversPanics(t *testing.T) {
	p := NewKeyedPool("test", 1, 4)
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	err := p.Run(context.Background(), []string{"k", "k", "k"}, func(i int) {
		if i == 1 {
			panic("boom")
		}
		ran.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), ran.Load(), "the worker survives a panicking job")
}

func TestKeyedPool_SubmitAfterStop(t *testing.T) {
	p := NewKeyedPool("test", 2, 4)
	p.Start()
	p.Stop()
	p.Stop()

	err := p.Submit(context.Background(), "k", func() {})
	assert.ErrorIs(t, err, ErrPoolStopped)

	err = p.Run(context.Background(), []string{"a", "b"}, func(int) {})
	assert.ErrorIs(t, err, ErrPoolStopped)
}
