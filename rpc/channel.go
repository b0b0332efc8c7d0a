package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gridedit/eventcore"
)

// Handler answers one decoded request: args are the request's undecoded
// Value array; the returned Value becomes the response's result, or, on a
// non-nil error, the response carries the error instead.
type Handler func(ch *Channel, args []Value) (Value, error)

// Registry is the process-wide method table: method id to Handler.
// Safe to share across every Channel constructed against it; Register is
// expected to run during setup, before any channel starts decoding.
type Registry struct {
	methods map[int64]Handler
}

// NewRegistry constructs an empty method table.
func NewRegistry() *Registry { return &Registry{methods: make(map[int64]Handler)} }

// Register installs handler for methodID, replacing any existing one.
func (r *Registry) Register(methodID int64, handler Handler) { r.methods[methodID] = handler }

func (r *Registry) lookup(methodID int64) (Handler, bool) {
	h, ok := r.methods[methodID]
	return h, ok
}

type pendingCall struct {
	done   bool
	result Value
	err    error
}

// Channel is one RPC connection: a decoded-frame dispatch queue layered
// over a bound Handle's readable/writable streams. Incoming bytes are
// decoded as frames become available and each decoded frame is posted as
// an event on the channel's own child queue, so a synchronous SendCall
// can focus-poll just this channel (via Loop.ProcessEventsUntil) while
// other channels' decoded events accumulate, undispatched, in their own
// queues.
type Channel struct {
	loop *eventcore.Loop
	reg  *Registry

	in  *eventcore.ReadableStream
	out *eventcore.WritableStream

	queue *eventcore.Queue

	maxFrame int

	nextID  int64
	pending map[int64]*pendingCall

	subscriptions map[string]struct{}
	onNotify      func(event string, args []Value)

	closed      bool
	closeReason error
}

// NewChannel constructs a Channel bound to h, using reg as its method
// table. maxFrame bounds a single frame's encoded size (protocol error if
// exceeded without ever completing a decode); 0 selects a 1MiB default.
func NewChannel(l *eventcore.Loop, h eventcore.Handle, reg *Registry, maxFrame int) *Channel {
	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	ch := &Channel{
		loop:          l,
		reg:           reg,
		queue:         l.NewChildQueue(),
		maxFrame:      maxFrame,
		pending:       make(map[int64]*pendingCall),
		subscriptions: make(map[string]struct{}),
	}

	rb := eventcore.NewRingBuffer(maxFrame)
	ch.in = eventcore.NewReadableStream(l, rb, ch.onReadResult)
	ch.in.Bind(h)
	ch.in.Start()

	ch.out = eventcore.NewWritableStream(l, 0)
	ch.out.Bind(h)
	ch.out.SetWriteCallback(ch.onWriteStatus)

	return ch
}

// Queue returns the channel's own child queue, for focus-polling (see
// Loop.ProcessEventsUntil); SendCall uses this internally.
func (ch *Channel) Queue() *eventcore.Queue { return ch.queue }

// SetNotifyCallback installs the callback invoked for every notification
// this channel receives (the subscription filter, if any, already ran on
// the peer that decided to send it).
func (ch *Channel) SetNotifyCallback(cb func(event string, args []Value)) { ch.onNotify = cb }

// Subscribe records that this channel wants event delivered by
// Hub.Broadcast (BroadcastTo ignores subscriptions). Purely local
// bookkeeping: it does not itself send anything over the wire.
func (ch *Channel) Subscribe(event string) { ch.subscriptions[event] = struct{}{} }

// Unsubscribe reverses Subscribe.
func (ch *Channel) Unsubscribe(event string) { delete(ch.subscriptions, event) }

func (ch *Channel) subscribed(event string) bool {
	_, ok := ch.subscriptions[event]
	return ok
}

// DispatchPending drains decoded events already queued for this channel
// without blocking. Call once per editor tick for every channel not
// currently inside a synchronous SendCall.
func (ch *Channel) DispatchPending() {
	for {
		ev, ok := ch.queue.Poll(0)
		if !ok {
			return
		}
		ev.Invoke()
	}
}

// SendCall serializes a request for method, writes it, and focus-polls
// this channel alone until the matching response arrives, ctx is done, or
// a transport failure resolves the call early.
func (ch *Channel) SendCall(ctx context.Context, method int64, args []Value) (Value, error) {
	if ch.closed {
		return Value{}, &eventcore.TransportError{Message: "rpc: send on closed channel"}
	}
	id := atomic.AddInt64(&ch.nextID, 1)
	pc := &pendingCall{}
	ch.pending[id] = pc

	frame := EncodeFrame(Request(id, method, args))
	buf := eventcore.NewWriteBuffer(frame, 1, nil)
	if !ch.out.Write(buf) {
		delete(ch.pending, id)
		return Value{}, &eventcore.TransportError{Message: "rpc: write rejected (over pending-bytes cap)"}
	}

	err := ch.loop.ProcessEventsUntil(ctx, ch.queue, func() bool { return pc.done })
	delete(ch.pending, id)
	if err != nil {
		return Value{}, err
	}
	return pc.result, pc.err
}

func (ch *Channel) onWriteStatus(st eventcore.WriteStatus) {
	if st.Err != nil {
		ch.failAllPending(st.Err)
	}
}

func (ch *Channel) onReadResult(res eventcore.ReadResult) {
	if res.Err != nil {
		ch.protocolFail(&eventcore.TransportError{Message: "rpc: read failed", Cause: res.Err})
		return
	}
	ch.tryDecode()
	if res.EOF {
		ch.failAllPending(&eventcore.TransportError{Message: "rpc: channel closed with calls outstanding"})
	}
}

// tryDecode takes a single Snapshot of the unread backlog and decodes every
// complete frame already sitting in it, then commits the bytes of all
// decoded frames in one CommitRead at the end of the pass. One snapshot copy per read-completion event, not one per frame, so
// decode cost over a backlog of N queued frames stays O(backlog bytes)
// instead of O(backlog bytes * frame count).
func (ch *Channel) tryDecode() {
	raw := ch.in.Buffer().Snapshot()
	off := 0
	for {
		tuple, n, ok := DecodeFrame(raw[off:])
		if !ok {
			if len(raw)-off >= ch.maxFrame {
				ch.in.Buffer().CommitRead(off)
				ch.protocolFail(&eventcore.ProtocolError{Message: "rpc: frame exceeds channel's max size"})
			} else {
				ch.in.Buffer().CommitRead(off)
			}
			return
		}
		off += n
		ch.dispatchFrame(tuple)
	}
}

// dispatchFrame posts the decoded tuple's handling as an event on the
// channel's own queue, so a focused SendCall wait sees it as soon as it
// drains that queue, and so plain DispatchPending calls see it too.
func (ch *Channel) dispatchFrame(tuple []Value) {
	ch.queue.PushCallback(func([4]any) { ch.handleFrame(tuple) }, [4]any{})
}

func (ch *Channel) handleFrame(tuple []Value) {
	if len(tuple) == 0 {
		ch.protocolFail(&eventcore.ProtocolError{Message: "rpc: frame is empty"})
		return
	}
	tag, ok := tuple[0].Int()
	if !ok {
		ch.protocolFail(&eventcore.ProtocolError{Message: "rpc: frame tag is not an int"})
		return
	}
	want := 4
	if tag == TagNotification {
		want = 3
	}
	if len(tuple) != want {
		ch.protocolFail(&eventcore.ProtocolError{Message: fmt.Sprintf("rpc: frame with tag %d is not a %d-tuple", tag, want)})
		return
	}
	switch tag {
	case TagRequest:
		ch.handleRequest(tuple)
	case TagResponse:
		ch.handleResponse(tuple)
	case TagNotification:
		ch.handleNotification(tuple)
	default:
		ch.protocolFail(&eventcore.ProtocolError{Message: fmt.Sprintf("rpc: unknown frame tag %d", tag)})
	}
}

func (ch *Channel) handleRequest(tuple []Value) {
	id, idOK := tuple[1].Int()
	methodID, midOK := tuple[2].Int()
	args, argsOK := tuple[3].Array()
	if !idOK || !midOK || !argsOK {
		perr := &eventcore.ProtocolError{Message: "rpc: malformed request frame"}
		if idOK {
			ch.writeFrame(Response(id, String(perr.Error()), Nil()))
		}
		ch.protocolFail(perr)
		return
	}

	var result Value
	var callErr error
	if handler, ok := ch.reg.lookup(methodID); ok {
		result, callErr = handler(ch, args)
	} else {
		callErr = &eventcore.ProtocolError{Message: fmt.Sprintf("rpc: unknown method %d", methodID)}
	}

	var errVal Value
	if callErr != nil {
		errVal = String(callErr.Error())
	} else {
		errVal = Nil()
	}
	ch.writeFrame(Response(id, errVal, result))
}

func (ch *Channel) handleResponse(tuple []Value) {
	id, idOK := tuple[1].Int()
	if !idOK {
		ch.protocolFail(&eventcore.ProtocolError{Message: "rpc: malformed response frame"})
		return
	}
	pc, ok := ch.pending[id]
	if !ok {
		// Late response for an abandoned (timed-out) call: discarded.
		return
	}
	if msg, isErr := tuple[2].String(); isErr {
		pc.err = &eventcore.ProtocolError{Message: msg}
	}
	pc.result = tuple[3]
	pc.done = true
}

func (ch *Channel) handleNotification(tuple []Value) {
	event, evOK := tuple[1].String()
	args, argsOK := tuple[2].Array()
	if !evOK || !argsOK {
		ch.protocolFail(&eventcore.ProtocolError{Message: "rpc: malformed notification frame"})
		return
	}
	if ch.onNotify != nil {
		ch.onNotify(event, args)
	}
}

func (ch *Channel) writeFrame(tuple []Value) {
	frame := EncodeFrame(tuple)
	buf := eventcore.NewWriteBuffer(frame, 1, nil)
	if !ch.out.Write(buf) {
		ch.failAllPending(&eventcore.TransportError{Message: "rpc: write rejected (over pending-bytes cap)"})
	}
}

// protocolFail resolves every pending call with err and tears the channel
// down. A malformed request whose request_id can still be recovered has
// already been answered with an error response by handleRequest before
// this runs.
func (ch *Channel) protocolFail(err error) {
	ch.failAllPending(err)
	ch.Close()
}

func (ch *Channel) failAllPending(err error) {
	for id, pc := range ch.pending {
		pc.err = err
		pc.done = true
		delete(ch.pending, id)
	}
}

// Close frees the underlying streams, resolves every outstanding pending
// call with a transport-closed error, and drops any decoded frames already
// posted to this channel's own queue (dispatchFrame events not yet drained
// by DispatchPending/SendCall would otherwise stay linked into the loop's
// parent queue forever).
func (ch *Channel) Close() {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.failAllPending(&eventcore.TransportError{Message: "rpc: channel closed"})
	ch.in.Free()
	ch.out.Free()
	ch.queue.Close()
}

// Hub owns a set of channels for Broadcast/BroadcastTo.
type Hub struct {
	channels map[*Channel]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub { return &Hub{channels: make(map[*Channel]struct{})} }

// Add registers ch with the hub.
func (h *Hub) Add(ch *Channel) { h.channels[ch] = struct{}{} }

// Remove unregisters ch from the hub (does not close it).
func (h *Hub) Remove(ch *Channel) { delete(h.channels, ch) }

// Broadcast writes a notification frame for event to every registered
// channel subscribed to it.
func (h *Hub) Broadcast(event string, args []Value) {
	tuple := Notification(event, args)
	for ch := range h.channels {
		if ch.subscribed(event) {
			ch.writeFrame(tuple)
		}
	}
}

// BroadcastTo writes a notification frame for event to exactly the given
// channels, bypassing each channel's subscription set. A supplement
// alongside the blanket-subscriber Broadcast.
func BroadcastTo(channels []*Channel, event string, args []Value) {
	tuple := Notification(event, args)
	for _, ch := range channels {
		ch.writeFrame(tuple)
	}
}
