package eventcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferWriteReadRoundTrip(t *testing.T) {
	rb := NewRingBuffer(8)
	n := rb.Write([]byte("hello"))
	require.Equal(t, 5, n)
	require.Equal(t, 5, rb.Len())

	out := make([]byte, 5)
	n = rb.Read(out)
	require.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, 0, rb.Len())
}

func TestRingBufferWrapsAcrossBoundary(t *testing.T) {
	rb := NewRingBuffer(4)
	require.Equal(t, 4, rb.Write([]byte("abcd")))

	out := make([]byte, 2)
	require.Equal(t, 2, rb.Read(out))
	assert.Equal(t, "ab", string(out))

	// write wraps: w has wrapped to 0 and r=2, so the 2 free bytes are one
	// region at the front of the backing array, ahead of the unread "cd".
	require.Equal(t, 2, rb.Write([]byte("ef")))

	out = make([]byte, 4)
	require.Equal(t, 4, rb.Read(out))
	assert.Equal(t, "cdef", string(out))
}

func TestRingBufferOnFullOnNonFullFireOnce(t *testing.T) {
	rb := NewRingBuffer(4)
	fullCount, nonFullCount := 0, 0
	rb.OnFull = func() { fullCount++ }
	rb.OnNonFull = func() { nonFullCount++ }

	rb.CommitWrite(2)
	assert.Equal(t, 0, fullCount)
	rb.CommitWrite(2) // 4 == cap, transition fires
	assert.Equal(t, 1, fullCount)
	rb.CommitWrite(0) // no-op, must not refire
	assert.Equal(t, 1, fullCount)

	rb.CommitRead(1) // 4 -> 3, crosses the full boundary, fires once
	assert.Equal(t, 1, nonFullCount)
	rb.CommitRead(1) // 3 -> 2, no longer at the boundary, must not refire
	assert.Equal(t, 1, nonFullCount)
}

func TestRingBufferFullReturnsNilRegion(t *testing.T) {
	rb := NewRingBuffer(2)
	require.Equal(t, 2, rb.Write([]byte("xy")))
	assert.Nil(t, rb.WriteRegion())
	assert.Equal(t, 0, rb.Write([]byte("z")))
}

func TestRingBufferEmptyReturnsNilRegion(t *testing.T) {
	rb := NewRingBuffer(2)
	assert.Nil(t, rb.ReadRegion())
	assert.Equal(t, 0, rb.Read(make([]byte, 1)))
}

func TestRingBufferSnapshotRestoreRoundTrip(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcde"))
	out := make([]byte, 2)
	rb.Read(out) // r advances past "ab"
	rb.Write([]byte("fg"))

	snap := rb.Snapshot()
	assert.Equal(t, "cdefg", string(snap))

	other := NewRingBuffer(8)
	other.Restore(snap)
	restored := make([]byte, other.Len())
	other.Read(restored)
	assert.Equal(t, "cdefg", string(restored))
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("ab"))
	rb.Reset()
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 4, rb.Cap())
}
