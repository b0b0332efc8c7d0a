package eventcore

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is an in-memory Handle double driven directly by tests,
// bypassing the real reactor so stream state-machine behavior can be
// exercised deterministically.
type fakeHandle struct {
	readData  []byte
	readErr   error
	onRead    func()
	onWrite   func()
	writes    [][]byte
	writeErrs []error
	writeN    []int
	closed    bool
}

func (h *fakeHandle) ArmReadable(cb func())  { h.onRead = cb }
func (h *fakeHandle) ArmWritable(cb func())  { h.onWrite = cb }
func (h *fakeHandle) Close(cb func())        { h.closed = true; if cb != nil { cb() } }

func (h *fakeHandle) Read(buf []byte) (int, error) {
	if h.readErr != nil {
		return 0, h.readErr
	}
	n := copy(buf, h.readData)
	h.readData = h.readData[n:]
	return n, nil
}

func (h *fakeHandle) Write(buf []byte) (int, error) {
	h.writes = append(h.writes, append([]byte(nil), buf...))
	if len(h.writeErrs) > 0 {
		err := h.writeErrs[0]
		h.writeErrs = h.writeErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(h.writeN) > 0 {
		n := h.writeN[0]
		h.writeN = h.writeN[1:]
		return n, nil
	}
	return len(buf), nil
}

func newLoopForTest(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReadableStreamDeliversDataThenEOF(t *testing.T) {
	l := newLoopForTest(t)
	rb := NewRingBuffer(64)

	var results []ReadResult
	s := NewReadableStream(l, rb, func(r ReadResult) { results = append(results, r) })
	h := &fakeHandle{readData: []byte("hello")}
	s.Bind(h)
	s.Start()

	require.NotNil(t, h.onRead)
	h.onRead() // first readable notification: "hello"
	h.readData = nil
	h.onRead() // second notification: read returns (0, nil) => EOF

	require.NoError(t, l.PollEvents(0))

	require.Len(t, results, 2)
	assert.Equal(t, 5, results[0].N)
	assert.False(t, results[0].EOF)
	assert.True(t, results[1].EOF)
	assert.Equal(t, "hello", string(rb.Snapshot()))
}

func TestReadableStreamStartAfterEOFIsNoop(t *testing.T) {
	l := newLoopForTest(t)
	rb := NewRingBuffer(8)
	var calls int
	s := NewReadableStream(l, rb, func(ReadResult) { calls++ })
	h := &fakeHandle{}
	s.Bind(h)
	s.Start()
	h.onRead() // EOF immediately, no data
	require.NoError(t, l.PollEvents(0))
	assert.Equal(t, 1, calls)

	s.Start() // must be a no-op post-EOF
	require.NoError(t, l.PollEvents(0))
	assert.Equal(t, 1, calls)
}

func TestReadableStreamBackpressureSuspendsAndResumes(t *testing.T) {
	l := newLoopForTest(t)
	rb := NewRingBuffer(4)
	s := NewReadableStream(l, rb, func(ReadResult) {})
	h := &fakeHandle{readData: []byte("ABCD")}
	s.Bind(h)
	s.Start()

	require.NotNil(t, h.onRead)
	h.onRead() // fills ring buffer to capacity -> OnFull -> stream suspends
	require.NoError(t, l.PollEvents(0))
	assert.Nil(t, h.onRead, "stream must disarm readability while ring buffer is full")

	out := make([]byte, 3)
	rb.Read(out) // drains below capacity -> OnNonFull -> stream resumes
	assert.NotNil(t, h.onRead, "stream must re-arm once the ring buffer has room")
}

func TestReadableStreamErrorSetsEOFFlag(t *testing.T) {
	l := newLoopForTest(t)
	rb := NewRingBuffer(8)
	var got ReadResult
	s := NewReadableStream(l, rb, func(r ReadResult) { got = r })
	h := &fakeHandle{readErr: errors.New("boom")}
	s.Bind(h)
	s.Start()
	h.onRead()
	require.NoError(t, l.PollEvents(0))

	assert.True(t, got.EOF)
	assert.Error(t, got.Err)
}

func TestWritableStreamCompletesInSubmissionOrder(t *testing.T) {
	l := newLoopForTest(t)
	s := NewWritableStream(l, 0)
	h := &fakeHandle{}
	s.Bind(h)

	var order []int
	var released []int
	s.SetWriteCallback(func(st WriteStatus) { order = append(order, st.N) })

	buf1 := NewWriteBuffer([]byte("abc"), 1, func() { released = append(released, 1) })
	buf2 := NewWriteBuffer([]byte("de"), 1, func() { released = append(released, 2) })
	require.True(t, s.Write(buf1))
	require.True(t, s.Write(buf2))

	require.NoError(t, l.PollEvents(0))
	assert.Equal(t, []int{3, 2}, order)
	assert.Equal(t, []int{1, 2}, released)
	assert.Equal(t, [][]byte{[]byte("abc"), []byte("de")}, h.writes)
}

func TestWritableStreamRejectsOverCapacityAndStillReleases(t *testing.T) {
	l := newLoopForTest(t)
	s := NewWritableStream(l, 4)
	h := &fakeHandle{}
	s.Bind(h)

	released := false
	buf := NewWriteBuffer([]byte("toolong"), 1, func() { released = true })
	ok := s.Write(buf)
	assert.False(t, ok)
	assert.True(t, released, "refcount must be decremented even on rejection")
}

func TestWritableStreamFreeClosesOnceDrained(t *testing.T) {
	l := newLoopForTest(t)
	s := NewWritableStream(l, 0)
	h := &fakeHandle{}
	s.Bind(h)

	buf := NewWriteBuffer([]byte("x"), 1, nil)
	require.True(t, s.Write(buf))
	s.Free()
	require.NoError(t, l.PollEvents(0))
	assert.True(t, h.closed)
}

func TestWritableStreamWriteErrorReportsTransportError(t *testing.T) {
	l := newLoopForTest(t)
	s := NewWritableStream(l, 0)
	h := &fakeHandle{writeErrs: []error{io.ErrClosedPipe}}
	s.Bind(h)

	var status WriteStatus
	s.SetWriteCallback(func(st WriteStatus) { status = st })
	buf := NewWriteBuffer([]byte("x"), 1, nil)
	require.True(t, s.Write(buf))
	require.NoError(t, l.PollEvents(0))

	require.Error(t, status.Err)
	var transportErr *TransportError
	assert.True(t, errors.As(status.Err, &transportErr))
}
