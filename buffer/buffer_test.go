package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRemoveRoundTrip(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	require.Equal(t, 5, b.Readable())
	assert.Equal(t, "hello", b.RemoveToString(5))
	assert.Equal(t, 0, b.Readable())
}

func TestIdempotenceAfterFullDrain(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Append([]byte("def"))
	got := b.RemoveToString(6)
	assert.Equal(t, "abcdef", got)
	assert.Equal(t, 0, b.Readable())

	// internal offsets must have snapped back to zero, not just be equal
	b.Append([]byte("x"))
	assert.Equal(t, []byte("x"), b.Peek())
}

func TestDropWithoutCopy(t *testing.T) {
	b := New()
	b.Append([]byte("0123456789"))
	b.Drop(4)
	assert.Equal(t, "456789", b.RemoveAllToString())
}

func TestScatterReadFitsInTail(t *testing.T) {
	b := New()
	payload := []byte("short message")
	n, err := b.ScatterRead(func(tail, scratch []byte) (int, error) {
		m := copy(tail, payload)
		return m, nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, string(payload), b.RemoveAllToString())
}

func TestScatterReadSpillsIntoScratchAndGrows(t *testing.T) {
	b := New()
	big := make([]byte, initialCapacity+512)
	for i := range big {
		big[i] = byte(i)
	}
	n, err := b.ScatterRead(func(tail, scratch []byte) (int, error) {
		m1 := copy(tail, big)
		m2 := copy(scratch, big[m1:])
		return m1 + m2, nil
	})
	require.NoError(t, err)
	require.Equal(t, len(big), n)
	assert.Equal(t, len(big), b.Readable())
	assert.Equal(t, big, []byte(b.RemoveAllToString()))
}
