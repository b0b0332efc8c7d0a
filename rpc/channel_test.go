package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gridedit/eventcore"
)

// memHandle is an in-memory, always-writable Handle backed by a byte
// queue, standing in for a real fd pair. Write appends to the peer's
// queue and schedules the peer's armed read callback on the peer owner's
// own loop (via its fast queue, the thread-safe entry point any producer
// uses) rather than invoking it inline: in production the reader's own
// reactor thread is what observes readiness, never the writer's thread.
type memHandle struct {
	mu      sync.Mutex
	buf     []byte
	onRead  func()
	peer    *memHandle
	ownLoop *eventcore.Loop // the Loop that owns this handle's reader side
	closed  bool
}

// newMemPair returns a handle for loopA's side and one for loopB's side
// of the same in-memory connection.
func newMemPair(loopA, loopB *eventcore.Loop) (*memHandle, *memHandle) {
	a := &memHandle{ownLoop: loopA}
	b := &memHandle{ownLoop: loopB}
	a.peer, b.peer = b, a
	return a, b
}

func (h *memHandle) ArmReadable(cb func()) {
	h.mu.Lock()
	h.onRead = cb
	hasData := len(h.buf) > 0
	h.mu.Unlock()
	if hasData && cb != nil {
		cb()
	}
}

func (h *memHandle) ArmWritable(cb func()) {
	if cb != nil {
		cb()
	}
}

func (h *memHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(p, h.buf)
	h.buf = h.buf[n:]
	return n, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.peer.mu.Lock()
	h.peer.buf = append(h.peer.buf, p...)
	h.peer.mu.Unlock()
	peer := h.peer
	peer.ownLoop.FastQueue().PushCallback(func([4]any) {
		peer.mu.Lock()
		cb := peer.onRead
		hasData := len(peer.buf) > 0
		peer.mu.Unlock()
		if cb != nil && hasData {
			cb()
		}
	}, [4]any{})
	return len(p), nil
}

func (h *memHandle) Close(cb func()) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func newLoopForTest(t *testing.T) *eventcore.Loop {
	t.Helper()
	l, err := eventcore.NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestValueRoundTripsThroughFrame(t *testing.T) {
	tuple := Request(42, 7, []Value{Int(1), String("hi"), Bool(true), Float(3.5), Array([]Value{Nil()}), Map(map[string]Value{"k": String("v")})})
	frame := EncodeFrame(tuple)

	decoded, n, ok := DecodeFrame(frame)
	require.True(t, ok)
	assert.Equal(t, len(frame), n)

	tag, _ := decoded[0].Int()
	assert.EqualValues(t, TagRequest, tag)
	id, _ := decoded[1].Int()
	assert.EqualValues(t, 42, id)
	method, _ := decoded[2].Int()
	assert.EqualValues(t, 7, method)
	args, _ := decoded[3].Array()
	require.Len(t, args, 6)
	s, _ := args[1].String()
	assert.Equal(t, "hi", s)
	m, _ := args[5].Map()
	v, _ := m["k"].String()
	assert.Equal(t, "v", v)
}

func TestDecodeFrameNeedsMoreBytesReturnsNotOK(t *testing.T) {
	frame := EncodeFrame(Notification("ping", nil))
	_, _, ok := DecodeFrame(frame[:len(frame)-1])
	assert.False(t, ok)
}

// runServer drives l's loop on a dedicated goroutine until stop fires,
// dispatching ch's decoded requests as they arrive. This models the
// realistic topology for a synchronous SendCall test: client and server
// are logically separate single-threaded processes connected by a wire
// (here, an in-memory pipe pair), each with its own Loop, so the
// client's focused wait on its own loop never races the server's.
func runServer(l *eventcore.Loop, ch *Channel, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_ = l.PollEvents(5)
		ch.DispatchPending()
	}
}

func TestChannelSendCallRoundTrip(t *testing.T) {
	clientLoop := newLoopForTest(t)
	serverLoop := newLoopForTest(t)
	ha, hb := newMemPair(clientLoop, serverLoop)

	reg := NewRegistry()
	reg.Register(1, func(ch *Channel, args []Value) (Value, error) {
		n, _ := args[0].Int()
		return Int(n * 2), nil
	})

	client := NewChannel(clientLoop, ha, NewRegistry(), 0)
	server := NewChannel(serverLoop, hb, reg, 0)
	defer client.Close()
	defer server.Close()

	stop := make(chan struct{})
	defer close(stop)
	go runServer(serverLoop, server, stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.SendCall(ctx, 1, []Value{Int(21)})
	require.NoError(t, err)
	n, ok := result.Int()
	require.True(t, ok)
	assert.EqualValues(t, 42, n)
}

func TestChannelUnknownMethodReturnsError(t *testing.T) {
	clientLoop := newLoopForTest(t)
	serverLoop := newLoopForTest(t)
	ha, hb := newMemPair(clientLoop, serverLoop)

	client := NewChannel(clientLoop, ha, NewRegistry(), 0)
	server := NewChannel(serverLoop, hb, NewRegistry(), 0)
	defer client.Close()
	defer server.Close()

	stop := make(chan struct{})
	defer close(stop)
	go runServer(serverLoop, server, stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.SendCall(ctx, 999, nil)
	require.Error(t, err)
}

func TestHubBroadcastOnlyReachesSubscribers(t *testing.T) {
	l := newLoopForTest(t)
	ha, hb := newMemPair(l, l)
	hc, hd := newMemPair(l, l)

	reg := NewRegistry()
	subscriber := NewChannel(l, ha, reg, 0)
	defer subscriber.Close()
	peer := NewChannel(l, hb, reg, 0)
	defer peer.Close()

	other := NewChannel(l, hc, reg, 0)
	defer other.Close()
	otherPeer := NewChannel(l, hd, reg, 0)
	defer otherPeer.Close()

	var got []string
	peer.SetNotifyCallback(func(event string, _ []Value) { got = append(got, event) })
	var gotOther []string
	otherPeer.SetNotifyCallback(func(event string, _ []Value) { gotOther = append(gotOther, event) })

	hub := NewHub()
	hub.Add(subscriber)
	hub.Add(other)
	subscriber.Subscribe("tick")

	hub.Broadcast("tick", []Value{Int(1)})

	deadline := time.Now().Add(time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		require.NoError(t, l.PollEvents(10))
		peer.DispatchPending()
		otherPeer.DispatchPending()
	}
	assert.Equal(t, []string{"tick"}, got)
	assert.Empty(t, gotOther, "unsubscribed channel's peer must not receive the notification")
}
