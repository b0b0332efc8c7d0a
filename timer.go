package eventcore

import (
	"container/heap"
	"time"
)

// timerEntry is a scheduled one-shot or repeating callback. Repeating
// entries (period > 0) are re-armed by the loop after firing; one-shot
// entries (period == 0) are dropped after firing.
type timerEntry struct {
	when     time.Time
	period   time.Duration
	fn       func()
	index    int // heap.Interface bookkeeping, -1 once popped
	id       uint64
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerHandle identifies a scheduled timer so it can be canceled.
type TimerHandle struct {
	entry *timerEntry
}

// scheduleTimer arms fn to run after delay (and every period thereafter, if
// period > 0) on the loop goroutine; fn is called directly from the
// reactor pass, not queued as an event. Must only be called from the loop
// goroutine.
func (l *Loop) scheduleTimer(delay, period time.Duration, fn func()) TimerHandle {
	l.timerSeq++
	e := &timerEntry{when: time.Now().Add(delay), period: period, fn: fn, id: l.timerSeq}
	heap.Push(&l.timers, e)
	return TimerHandle{entry: e}
}

// ScheduleOnce arms fn to fire once after delay, called directly from the
// loop's reactor pass. Safe to call from the loop goroutine only.
func (l *Loop) ScheduleOnce(delay time.Duration, fn func()) TimerHandle {
	return l.scheduleTimer(delay, 0, fn)
}

// ScheduleRepeating arms fn to fire every period starting after the first
// period elapses.
func (l *Loop) ScheduleRepeating(period time.Duration, fn func()) TimerHandle {
	return l.scheduleTimer(period, period, fn)
}

// Cancel stops a timer from firing again. Safe to call even after the
// timer already fired (one-shot) or was already canceled.
func (h TimerHandle) Cancel() {
	if h.entry != nil {
		h.entry.canceled = true
	}
}

// nextTimerDeadline returns the time the earliest live timer is due, and
// whether any timer is armed at all.
func (l *Loop) nextTimerDeadline() (time.Time, bool) {
	for l.timers.Len() > 0 && l.timers[0].canceled {
		heap.Pop(&l.timers)
	}
	if l.timers.Len() == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

// runDueTimers pops and invokes every timer due at or before now,
// re-arming repeating ones for their next period.
func (l *Loop) runDueTimers(now time.Time) {
	for l.timers.Len() > 0 {
		next := l.timers[0]
		if next.canceled {
			heap.Pop(&l.timers)
			continue
		}
		if next.when.After(now) {
			break
		}
		heap.Pop(&l.timers)
		next.fn()
		if l.metrics != nil {
			l.metrics.TimersFired.Add(1)
		}
		if next.period > 0 && !next.canceled {
			next.when = now.Add(next.period)
			heap.Push(&l.timers, next)
		}
	}
}
