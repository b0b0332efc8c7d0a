package eventcore

import "sync"

// nodePool recycles Queue's linked-list nodes across pushes and pops,
// avoiding a fresh allocation, and the GC pressure that comes with one, on
// every event: the pair of nodes (child item plus parent link) that every
// Push creates.
var nodePool = sync.Pool{
	New: func() any { return &node{} },
}

func getNode() *node {
	n := nodePool.Get().(*node)
	*n = node{}
	return n
}

func putNode(n *node) {
	// Drop references so pooled nodes don't keep event closures (and
	// whatever they captured) alive after the event has been delivered.
	n.event = Event{}
	n.prev, n.next, n.link, n.child, n.childNode = nil, nil, nil, nil, nil
	nodePool.Put(n)
}
