package eventcore

// DefaultWritableMax is the writable stream's default pending-bytes cap.
const DefaultWritableMax = 10 << 20 // 10 MiB

// WriteBuffer is a refcounted write payload. Finalizer fires exactly once,
// when Refcount reaches 0, whichever owner (a WritableStream write
// attempt, a caller retaining its own reference) releases it last.
type WriteBuffer struct {
	Data      []byte
	refcount  int32
	finalizer func()
}

// NewWriteBuffer constructs a WriteBuffer with an initial refcount. A
// refcount of 1 is typical when only the WritableStream will ever hold a
// reference; pass a higher count when a caller also retains the buffer
// across the write.
func NewWriteBuffer(data []byte, refcount int32, finalizer func()) *WriteBuffer {
	return &WriteBuffer{Data: data, refcount: refcount, finalizer: finalizer}
}

func (b *WriteBuffer) release() {
	if b.refcount <= 0 {
		panic(&FatalError{Message: "writable stream: buffer refcount went negative"})
	}
	b.refcount--
	if b.refcount == 0 && b.finalizer != nil {
		b.finalizer()
	}
}

// WriteStatus is delivered to a WritableStream's write callback once per
// completed (or failed) write.
type WriteStatus struct {
	N   int
	Err error
}

type pendingWrite struct {
	buf *WriteBuffer
	off int
}

// WritableStream delivers refcounted buffers to a Handle in submission
// order, bounded by a pending-bytes budget, and dispatches one completion
// event per buffer in completion order (equal to submission order on an
// ordered transport such as a pipe or TCP socket).
type WritableStream struct {
	loop   *Loop
	queue  *Queue
	handle Handle
	max    int
	cb     func(WriteStatus)

	writeQueue  []*pendingWrite
	pending     int
	pendingReqs int
	armed       bool
	errored     error
	freed       bool
}

// NewWritableStream constructs a stream with the given pending-bytes cap;
// max <= 0 selects DefaultWritableMax.
func NewWritableStream(l *Loop, max int) *WritableStream {
	if max <= 0 {
		max = DefaultWritableMax
	}
	return &WritableStream{loop: l, max: max, queue: l.FastQueue()}
}

// Bind attaches the underlying I/O handle.
func (s *WritableStream) Bind(h Handle) { s.handle = h }

// SetWriteCallback installs the completion callback.
func (s *WritableStream) SetWriteCallback(cb func(WriteStatus)) { s.cb = cb }

// Write enqueues buf for delivery, succeeding only if admitting it would
// not exceed the pending-bytes cap (and the stream is neither freed nor in
// a failed state). On rejection buf's refcount is still decremented, per
// the "refcount always decremented, even on rejection" contract.
func (s *WritableStream) Write(buf *WriteBuffer) bool {
	if s.freed || s.errored != nil || s.handle == nil {
		buf.release()
		return false
	}
	if s.pending+len(buf.Data) > s.max {
		buf.release()
		return false
	}
	s.pending += len(buf.Data)
	s.pendingReqs++
	s.writeQueue = append(s.writeQueue, &pendingWrite{buf: buf})
	s.pump()
	return true
}

func (s *WritableStream) pump() {
	for len(s.writeQueue) > 0 {
		pw := s.writeQueue[0]
		n, err := s.handle.Write(pw.buf.Data[pw.off:])
		if n > 0 {
			pw.off += n
			s.pending -= n
		}
		if err != nil {
			if isWouldBlock(err) {
				s.arm()
				return
			}
			s.failAll(err)
			return
		}
		if pw.off < len(pw.buf.Data) {
			// Partial write accepted without error: wait for the next
			// writable notification before retrying the remainder.
			s.arm()
			return
		}

		s.writeQueue = s.writeQueue[1:]
		s.pendingReqs--
		buf := pw.buf
		n := pw.off
		s.queue.PushCallback(func([4]any) {
			if s.cb != nil {
				s.cb(WriteStatus{N: n})
			}
			buf.release()
		}, [4]any{})
	}
	s.disarm()
	s.maybeRelease()
}

func (s *WritableStream) failAll(err error) {
	s.errored = err
	for _, pw := range s.writeQueue {
		s.pendingReqs--
		s.pending -= len(pw.buf.Data) - pw.off
		buf := pw.buf
		s.queue.PushCallback(func([4]any) {
			if s.cb != nil {
				s.cb(WriteStatus{Err: &TransportError{Message: "write failed", Cause: err}})
			}
			buf.release()
		}, [4]any{})
	}
	s.writeQueue = nil
	s.disarm()
	s.maybeRelease()
}

func (s *WritableStream) arm() {
	if s.armed || s.handle == nil {
		return
	}
	s.armed = true
	s.handle.ArmWritable(s.pump)
}

func (s *WritableStream) disarm() {
	if !s.armed {
		return
	}
	s.armed = false
	if s.handle != nil {
		s.handle.ArmWritable(nil)
	}
}

// Free marks the stream freed; the underlying handle closes once every
// already-accepted write has completed (pendingReqs reaches 0).
func (s *WritableStream) Free() {
	s.freed = true
	s.maybeRelease()
}

func (s *WritableStream) maybeRelease() {
	if s.freed && s.pendingReqs == 0 && s.handle != nil {
		s.handle.Close(nil)
		s.handle = nil
	}
}

// Pending returns the current count of bytes admitted but not yet
// completed, for diagnostics and tests.
func (s *WritableStream) Pending() int { return s.pending }
