package eventcore

// ReadResult is delivered to a ReadableStream's callback once per posted
// read-completion event.
type ReadResult struct {
	N   int
	EOF bool
	Err error
}

// ReadableStream drives a Handle's readable side into a RingBuffer,
// registering itself as the buffer's owner for full/nonfull notifications
// so that backpressure suspends and resumes its own reading transparently.
//
// State machine: idle -> reading (Start) -> paused (ring buffer full) ->
// reading (ring buffer drained) -> eof/error (terminal) -> closed (Free).
type ReadableStream struct {
	loop   *Loop
	queue  *Queue
	handle Handle
	buf    *RingBuffer
	cb     func(ReadResult)

	reading   bool // Start() called, Stop() not
	suspended bool // internally paused by ring-buffer backpressure
	eof       bool // terminal: further Start calls are no-ops
	closed    bool
}

// NewReadableStream constructs a stream over buf, registering for its
// full/nonfull transitions. buf is not created by the stream; ownership of
// its lifetime stays with the caller, consistent with new(cb, buffer,
// data) taking an existing buffer.
func NewReadableStream(l *Loop, buf *RingBuffer, cb func(ReadResult)) *ReadableStream {
	s := &ReadableStream{loop: l, buf: buf, cb: cb, queue: l.FastQueue()}
	buf.OnFull = s.onBufferFull
	buf.OnNonFull = s.onBufferNonFull
	return s
}

// Bind attaches the underlying I/O handle. Must be called before Start.
func (s *ReadableStream) Bind(h Handle) { s.handle = h }

// Start begins (or resumes) reading. A no-op once eof/error has been
// reported, or before Bind.
func (s *ReadableStream) Start() {
	if s.closed || s.eof || s.handle == nil {
		return
	}
	s.reading = true
	if !s.suspended {
		s.handle.ArmReadable(s.onReadable)
	}
}

// Stop suspends reading without discarding buffered bytes.
func (s *ReadableStream) Stop() {
	s.reading = false
	if s.handle != nil {
		s.handle.ArmReadable(nil)
	}
}

func (s *ReadableStream) onBufferFull() {
	s.suspended = true
	if s.reading && s.handle != nil {
		s.handle.ArmReadable(nil)
	}
}

func (s *ReadableStream) onBufferNonFull() {
	s.suspended = false
	if s.reading && s.handle != nil {
		s.handle.ArmReadable(s.onReadable)
	}
}

func (s *ReadableStream) onReadable() {
	region := s.buf.WriteRegion()
	if len(region) == 0 {
		// Ring buffer is full (or just became so); tolerate the spurious
		// readiness notification silently rather than attempting a
		// zero-length read.
		return
	}

	n, err := s.handle.Read(region)
	switch {
	case err != nil && isWouldBlock(err):
		return
	case err != nil:
		s.finish(ReadResult{EOF: true, Err: err})
		return
	case n == 0:
		s.finish(ReadResult{EOF: true})
		return
	}

	s.buf.CommitWrite(n)
	s.queue.PushCallback(func([4]any) {
		if s.cb != nil {
			s.cb(ReadResult{N: n})
		}
	}, [4]any{})
}

// finish stops reading and posts the terminal callback exactly once.
func (s *ReadableStream) finish(res ReadResult) {
	if s.eof {
		return
	}
	s.eof = true
	s.reading = false
	if s.handle != nil {
		s.handle.ArmReadable(nil)
	}
	s.queue.PushCallback(func([4]any) {
		if s.cb != nil {
			s.cb(res)
		}
	}, [4]any{})
}

// Free drains, closes, and releases the stream. Safe to call after EOF
// (and a no-op if already freed).
func (s *ReadableStream) Free() {
	if s.closed {
		return
	}
	s.closed = true
	s.reading = false
	if s.handle != nil {
		s.handle.Close(nil)
		s.handle = nil
	}
}

// Buffer returns the stream's underlying ring buffer, for a consumer that
// wants to drain bytes directly (via ReadRegion/CommitRead) from within
// the read-result callback rather than only inspecting a snapshot.
func (s *ReadableStream) Buffer() *RingBuffer { return s.buf }

// SaveBuffer snapshots the stream's unread bytes as an opaque blob, for a
// consumer (e.g. an input-escape-sequence parser) that needs to push back
// bytes it could not yet fully interpret.
func (s *ReadableStream) SaveBuffer() []byte { return s.buf.Snapshot() }

// RestoreBuffer replaces the stream's unread bytes with a previously saved
// blob.
func (s *ReadableStream) RestoreBuffer(blob []byte) { s.buf.Restore(blob) }
