package eventcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPollFIFO(t *testing.T) {
	parent := NewParentQueue()
	child := NewChildQueue(parent)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		child.PushCallback(func([4]any) { order = append(order, i) }, [4]any{})
	}
	require.Equal(t, 3, parent.Len())
	require.Equal(t, 3, child.Len())

	for i := 0; i < 3; i++ {
		ev, ok := parent.Poll(0)
		require.True(t, ok)
		ev.Invoke()
	}
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, parent.Len())
	assert.Equal(t, 0, child.Len())
}

func TestQueuePollEmptyNonBlockingReturnsFalse(t *testing.T) {
	parent := NewParentQueue()
	_, ok := parent.Poll(0)
	assert.False(t, ok)
}

func TestQueuePollBlocksUntilPush(t *testing.T) {
	parent := NewParentQueue()
	child := NewChildQueue(parent)

	done := make(chan Event, 1)
	go func() {
		ev, ok := parent.Poll(time.Second)
		if ok {
			done <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	child.Push(NewEvent(func() {}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll did not unblock after push")
	}
}

func TestQueuePollTimesOut(t *testing.T) {
	parent := NewParentQueue()
	start := time.Now()
	_, ok := parent.Poll(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestQueueCloseChildDropsOutstandingLinks(t *testing.T) {
	parent := NewParentQueue()
	childA := NewChildQueue(parent)
	childB := NewChildQueue(parent)

	childA.Push(NewEvent(func() {}))
	childA.Push(NewEvent(func() {}))
	childB.Push(NewEvent(func() {}))

	require.Equal(t, 3, parent.Len())
	parent.CloseChild(childA)
	assert.Equal(t, 1, parent.Len())
	assert.Equal(t, 0, childA.Len())
	assert.Equal(t, 1, childB.Len())

	ev, ok := parent.Poll(0)
	require.True(t, ok)
	assert.NotNil(t, ev.Fn)
}

func TestQueueFocusPollLeavesOtherChildrenQueued(t *testing.T) {
	parent := NewParentQueue()
	focused := NewChildQueue(parent)
	other := NewChildQueue(parent)

	other.Push(NewEvent(func() {}))
	focused.Push(NewEvent(func() {}))

	ev, ok := focused.Poll(0)
	require.True(t, ok)
	_ = ev

	// other's event must still be present in both its own queue and the
	// parent, undisturbed by focus-polling a sibling.
	assert.Equal(t, 1, other.Len())
	assert.Equal(t, 1, parent.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	parent := NewParentQueue()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		child := NewChildQueue(parent)
		wg.Add(1)
		go func(c *Queue) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				c.Push(NewEvent(func() {}))
			}
		}(child)
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, parent.Len())

	count := 0
	for {
		_, ok := parent.Poll(0)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
