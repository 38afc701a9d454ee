package vm

import (
	"container/heap"
	"math"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Scheduler: wakes suspended threads at a virtual time
// ---------------------------------------------------------------------------

// scheduledEntry is one pending wake-up. The scheduler only holds a weak
// reference, so a thread nobody else keeps is collected and its entry
// dropped.
type scheduledEntry struct {
	wake      float64
	ref       *CoroutineRef
	seq       uint64
	skippable bool
	skipped   bool
}

// entryHeap orders entries by wake time, then by scheduling order.
// Skipped entries come before all others and keep their relative order.
type entryHeap []*scheduledEntry

func (eh entryHeap) Len() int { return len(eh) }

func (eh entryHeap) Less(i, j int) bool {
	a, b := eh[i], eh[j]
	if a.skipped != b.skipped {
		return a.skipped
	}
	if a.wake != b.wake {
		return a.wake < b.wake
	}
	return a.seq < b.seq
}

func (eh entryHeap) Swap(i, j int) { eh[i], eh[j] = eh[j], eh[i] }

func (eh *entryHeap) Push(x any) { *eh = append(*eh, x.(*scheduledEntry)) }

func (eh *entryHeap) Pop() any {
	old := *eh
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*eh = old[:n-1]
	return e
}

// SchedulerStats tracks scheduler activity.
type SchedulerStats struct {
	Scheduled uint64 // entries added
	Woken     uint64 // threads resumed without error
	Failed    uint64 // resumptions that raised an error
	Dropped   uint64 // entries whose thread was gone
	Skipped   uint64 // entries fast-forwarded by Skip
}

// Scheduler is a min-heap of pending wake-ups.
type Scheduler struct {
	host  *Host
	log   commonlog.Logger
	queue entryHeap
	seq   uint64
	stats SchedulerStats
}

// NewScheduler creates an empty scheduler for threads of h.
func NewScheduler(h *Host) *Scheduler {
	return &Scheduler{
		host: h,
		log:  commonlog.GetLogger("lurk.scheduler"),
	}
}

// Schedule arranges for t to be woken once the clock passes wakeTime.
// Skippable entries are the ones Skip fast-forwards.
func (s *Scheduler) Schedule(t *Thread, wakeTime float64, skippable bool) error {
	if t == nil || t.IsClosed() {
		SetLastError(s.host.L, "thread is closed")
		return NewError(s.host.L, KindWakeupError, "failed to schedule thread")
	}
	if math.IsNaN(wakeTime) {
		SetLastError(s.host.L, "wake time is NaN")
		return NewError(s.host.L, KindWakeupError, "failed to schedule thread")
	}
	s.seq++
	heap.Push(&s.queue, &scheduledEntry{
		wake:      wakeTime,
		ref:       t.Ref(),
		seq:       s.seq,
		skippable: skippable,
	})
	s.stats.Scheduled++
	return nil
}

// Update wakes, in order, every entry whose wake time is before now.
// Entries whose thread was collected or closed are dropped silently. A
// failing wake-up is logged and the remaining entries still run.
func (s *Scheduler) Update(now float64) {
	for len(s.queue) > 0 {
		top := s.queue[0]
		if !top.skipped && !(top.wake < now) {
			break
		}
		heap.Pop(&s.queue)

		t, ok := resolveCoroutine(top.ref)
		if !ok {
			s.stats.Dropped++
			continue
		}
		if err := t.Wakeup(nil, true, false); err != nil {
			s.stats.Failed++
			info := s.host.LastError()
			if info == "null" {
				info = "(no info)"
			}
			s.log.Warningf("Error waking VM: %s", info)
			continue
		}
		s.stats.Woken++
	}
}

// Skip makes every pending skippable entry due on the next Update. Their
// relative order is kept.
func (s *Scheduler) Skip() int {
	n := 0
	for _, e := range s.queue {
		if e.skippable && !e.skipped {
			e.skipped = true
			n++
		}
	}
	if n > 0 {
		heap.Init(&s.queue)
		s.stats.Skipped += uint64(n)
	}
	return n
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// NextWakeTime returns the earliest pending wake time.
func (s *Scheduler) NextWakeTime() (float64, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].wake, true
}

// Clear drops every pending entry.
func (s *Scheduler) Clear() {
	s.queue = nil
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() SchedulerStats {
	return s.stats
}
