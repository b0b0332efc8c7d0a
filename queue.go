package eventcore

import (
	"sync"
	"time"
)

// Queue is either a parent (created with NewParentQueue) or a child (created
// with NewChildQueue). A child queue holds events pushed by its producer
// directly; a parent queue holds link nodes, one per outstanding child
// event, so that draining the parent in arrival order also drains children
// in their own arrival order. Every queue in a parent/child family shares
// the parent's mutex and condition variable: pushes, pops, and cancellation
// are all serialized through it, so no child needs its own lock.
type Queue struct {
	parent *Queue // nil for a parent queue

	mu   *sync.Mutex
	cond *sync.Cond

	// doubly-linked list with a sentinel root node; root.next is the head.
	root node
	len  int

	// wake, if set, is called after every push (outside the critical
	// section) so a reactor blocked in a syscall poll can be interrupted
	// immediately rather than waiting out its timeout.
	wake func()
}

type node struct {
	prev, next *node

	// Populated when this node lives in a child queue's list.
	event Event
	// link points at the parent-queue node that mirrors this child node,
	// nil if this node has not yet been linked (never true for live nodes).
	link *node

	// Populated when this node lives in a parent queue's list as a link
	// node. child/childNode identify the mirrored child-queue item so that
	// popping the link also pops the child, and closing the child can strip
	// its outstanding links from the parent.
	isLink    bool
	child     *Queue
	childNode *node
}

// NewParentQueue creates a queue with no parent. The main loop drains it.
func NewParentQueue() *Queue {
	q := &Queue{mu: new(sync.Mutex)}
	q.cond = sync.NewCond(q.mu)
	q.root.next, q.root.prev = &q.root, &q.root
	return q
}

// NewChildQueue creates a queue owned by one producer (a channel, a process
// watcher, a signal watcher, ...). It shares parent's mutex/condvar, per the
// single-parent-mutex invariant.
func NewChildQueue(parent *Queue) *Queue {
	if parent.parent != nil {
		panic("eventcore: NewChildQueue requires a parent queue, not a child")
	}
	q := &Queue{parent: parent, mu: parent.mu, cond: parent.cond}
	q.root.next, q.root.prev = &q.root, &q.root
	return q
}

// IsParent reports whether q was created with NewParentQueue.
func (q *Queue) IsParent() bool { return q.parent == nil }

func listEmpty(root *node) bool { return root.next == root }

func listAppend(root *node, n *node) {
	last := root.prev
	last.next = n
	n.prev = last
	n.next = root
	root.prev = n
}

func listUnlink(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

// Push appends event to the child queue and a mirroring link node to its
// parent, then wakes one poller.
func (q *Queue) Push(event Event) {
	if q.parent == nil {
		panic("eventcore: Push requires a child queue")
	}
	q.mu.Lock()
	childNode := getNode()
	childNode.event = event
	linkNode := getNode()
	linkNode.isLink = true
	linkNode.child = q
	linkNode.childNode = childNode
	childNode.link = linkNode

	listAppend(&q.root, childNode)
	q.len++
	listAppend(&q.parent.root, linkNode)
	q.parent.len++

	q.cond.Signal()
	q.mu.Unlock()

	if q.wake != nil {
		q.wake()
	}
}

// PushCallback is a convenience wrapper building an Event from fn and args
// and pushing it.
func (q *Queue) PushCallback(fn func(args [4]any), args [4]any) {
	q.Push(Event{Fn: fn, Args: args})
}

// SetWakeFunc installs a hook called after every push to this child queue.
// The loop uses it to interrupt a blocked reactor poll the moment work
// becomes available.
func (q *Queue) SetWakeFunc(wake func()) { q.wake = wake }

// Poll blocks until an event is available or timeout elapses, then pops and
// returns it. timeout < 0 waits indefinitely; timeout == 0 polls without
// blocking; timeout > 0 is a bounded wait. Poll must only be called on a
// parent queue or on a child queue being focus-polled (see
// docs on ProcessEventsUntil in loop.go); both share the same mutex so
// popping from either is race-free with respect to the other.
func (q *Queue) Poll(timeout time.Duration) (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timeout == 0 {
		return q.popLocked()
	}

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for listEmpty(&q.root) {
		if !hasDeadline {
			q.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, false
		}
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}
	return q.popLocked()
}

// popLocked removes and returns the head item. Called with q.mu held.
//
// q may be the parent (head is a link node mirroring some child's event) or
// a child being focus-polled (head is the real event node). Either way both
// the child-side node and its parent-side mirror must be unlinked together,
// or the side left behind becomes a dangling reference the next drain of
// that list would follow into a recycled node.
func (q *Queue) popLocked() (Event, bool) {
	if listEmpty(&q.root) {
		return Event{}, false
	}
	head := q.root.next
	listUnlink(head)
	q.len--

	if head.isLink {
		listUnlink(head.childNode)
		head.child.len--
		event := head.childNode.event
		putNode(head.childNode)
		putNode(head)
		return event, true
	}
	if head.link != nil {
		listUnlink(head.link)
		q.parent.len--
		putNode(head.link)
	}
	event := head.event
	putNode(head)
	return event, true
}

// Len returns the current item count. On a shared parent/child family this
// is exact (all mutations hold the shared mutex), unlike a lock-free
// approximation.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Close drops every event this child queue has outstanding in its parent,
// via CloseChild. A no-op, rather than a panic, when called on a parent
// queue (the root parent queue is owned by the Loop, not by any one
// producer, and has nothing of its own to drop).
func (q *Queue) Close() {
	if q.parent == nil {
		return
	}
	q.parent.CloseChild(q)
}

// CloseChild removes every outstanding link node belonging to child from
// its parent, and clears the child's own list, atomically under the shared
// mutex, so that work already queued by a terminated producer is dropped
// rather than delivered late.
func (q *Queue) CloseChild(child *Queue) {
	if child.parent != q {
		panic("eventcore: CloseChild called with a non-child of q")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for n := child.root.next; n != &child.root; {
		next := n.next
		listUnlink(n.link)
		putNode(n.link)
		putNode(n)
		q.len--
		n = next
	}
	child.root.next, child.root.prev = &child.root, &child.root
	child.len = 0
}
