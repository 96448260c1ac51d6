package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	r := New[int](30)
	require.Equal(t, 32, r.Capacity())
}

func TestPushPopFIFO(t *testing.T) {
	r := New[int](8)
	for i := 0; i < 5; i++ {
		require.True(t, r.Push(i))
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestFullReservesOneSlot(t *testing.T) {
	r := New[int](30) // capacity 32, usable 31
	for i := 0; i < 31; i++ {
		require.True(t, r.Push(i), "push %d should succeed", i)
	}
	assert.False(t, r.Push(31), "32nd push must fail, one slot is reserved")
	assert.True(t, r.Full())

	for i := 0; i < 31; i++ {
		_, ok := r.Pop()
		require.True(t, ok)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
	assert.True(t, r.Empty())
}

func TestSizeInvariant(t *testing.T) {
	r := New[int](16)
	for i := 0; i < 10; i++ {
		r.Push(i)
		assert.GreaterOrEqual(t, r.Size(), 0)
		assert.Less(t, r.Size(), r.Capacity())
	}
}

func TestDrainInto(t *testing.T) {
	r := New[int](16)
	for i := 0; i < 7; i++ {
		r.Push(i)
	}
	var got []int
	r.DrainInto(func(v int) { got = append(got, v) })
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got)
	assert.True(t, r.Empty())
}

func TestSwap(t *testing.T) {
	a := New[int](8)
	b := New[int](8)
	a.Push(1)
	a.Push(2)
	b.Push(9)
	a.Swap(b)

	v, ok := a.Pop()
	require.True(t, ok)
	assert.Equal(t, 9, v)

	v, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

// TestConcurrentSPSC exercises one producer / one consumer goroutine
// concurrently, matching the spec's FIFO-exactly-once guarantee.
func TestConcurrentSPSC(t *testing.T) {
	const n = 100_000
	r := New[int](1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !r.Push(i) {
				// spin until the consumer frees a slot
			}
		}
	}()

	go func() {
		defer wg.Done()
		next := 0
		for next < n {
			if v, ok := r.Pop(); ok {
				require.Equal(t, next, v)
				next++
			}
		}
	}()

	wg.Wait()
}
