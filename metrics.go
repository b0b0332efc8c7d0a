package eventcore

import "sync/atomic"

// Metrics holds simple running counters for a Loop: how many reactor
// passes it has run, how many events it has dispatched, and how many
// timers have fired. Intended for a supervising process to sample
// periodically, not for a hot-path profiler.
type Metrics struct {
	Ticks          atomic.Uint64
	EventsFast     atomic.Uint64
	EventsDeferred atomic.Uint64
	TimersFired    atomic.Uint64
}

// Snapshot is a point-in-time copy of Metrics' counters plus current queue
// depths, read from the loop they were attached to.
type Snapshot struct {
	Ticks          uint64
	EventsFast     uint64
	EventsDeferred uint64
	TimersFired    uint64
	FastQueueLen   int
	DeferredLen    int
}

// Snapshot reads every counter plus the current queue depths of l.
func (m *Metrics) Snapshot(l *Loop) Snapshot {
	return Snapshot{
		Ticks:          m.Ticks.Load(),
		EventsFast:     m.EventsFast.Load(),
		EventsDeferred: m.EventsDeferred.Load(),
		TimersFired:    m.TimersFired.Load(),
		FastQueueLen:   l.FastQueue().Len(),
		DeferredLen:    l.DeferredQueue().Len(),
	}
}
