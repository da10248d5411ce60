// Package scheduler keeps named delayed tasks in a min-heap ordered by deadline.
//
// The scheduler never runs anything on its own: the owner calls RunDue after the
// clock passes the next deadline (see Next). This keeps every callback on the
// owner's goroutine and lets tests drive time with a fake clock.
package scheduler

import (
	"container/heap"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is a scheduled callback. now is the clock reading when the task ran.
type Task func(now time.Time)

type entry struct {
	name  string
	at    time.Time
	seq   uint64
	fn    Task
	index int
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler holds named tasks. It is not safe for concurrent use.
type Scheduler struct {
	clock  clockwork.Clock
	tasks  taskHeap
	byName map[string]*entry
	seq    uint64
}

// New creates a scheduler reading time from clock.
func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:  clock,
		byName: make(map[string]*entry),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// At schedules fn to run at the given time, replacing any task with the same name.
func (s *Scheduler) At(name string, at time.Time, fn Task) {
	if existing, ok := s.byName[name]; ok {
		existing.at = at
		existing.fn = fn
		s.seq++
		existing.seq = s.seq
		heap.Fix(&s.tasks, existing.index)
		return
	}
	s.seq++
	e := &entry{name: name, at: at, seq: s.seq, fn: fn}
	heap.Push(&s.tasks, e)
	s.byName[name] = e
}

// After schedules fn to run d from now, replacing any task with the same name.
func (s *Scheduler) After(name string, d time.Duration, fn Task) time.Time {
	at := s.clock.Now().Add(d)
	s.At(name, at, fn)
	return at
}

// Cancel removes the named task. It reports whether a task was pending.
func (s *Scheduler) Cancel(name string) bool {
	e, ok := s.byName[name]
	if !ok {
		return false
	}
	heap.Remove(&s.tasks, e.index)
	delete(s.byName, name)
	return true
}

// CancelPrefix removes every task whose name starts with prefix and returns how many were removed.
func (s *Scheduler) CancelPrefix(prefix string) int {
	var names []string
	for name := range s.byName {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	for _, name := range names {
		s.Cancel(name)
	}
	return len(names)
}

// Pending reports whether the named task is scheduled.
func (s *Scheduler) Pending(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Deadline returns when the named task will run.
func (s *Scheduler) Deadline(name string) (time.Time, bool) {
	e, ok := s.byName[name]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// Next returns the earliest deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].at, true
}

// RunDue runs every task whose deadline is at or before the current clock reading,
// in deadline order, and returns how many ran. Tasks scheduled by a running task
// are picked up in the same call when they are already due.
func (s *Scheduler) RunDue() int {
	ran := 0
	for len(s.tasks) > 0 {
		now := s.clock.Now()
		next := s.tasks[0]
		if next.at.After(now) {
			break
		}
		heap.Pop(&s.tasks)
		delete(s.byName, next.name)
		next.fn(now)
		ran++
	}
	return ran
}

// Task name prefixes shared by the components that arm and cancel tasks.
const (
	DeadlinePrefix = "deadline:"
	ResetPrefix    = "reset:"
	PurgePrefix    = "purge:"
	SweepTask      = "sweep"
)

// DeadlineTask names the overdue deadline of a scan key.
func DeadlineTask(key string) string { return DeadlinePrefix + key }

// ResetTask names the pending auto-reset of a session.
func ResetTask(sessionID string) string { return ResetPrefix + sessionID }

// PurgeTask names the removal of a finished step after its grace period.
func PurgeTask(key string) string { return PurgePrefix + key }
