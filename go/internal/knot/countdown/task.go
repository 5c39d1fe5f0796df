package countdown

import (
	"fmt"
	"sort"
	"time"
)

type emissionKind int

const (
	emitTick emissionKind = iota
	emitWarning
)

// emission is one notification produced by a task firing.
type emission struct {
	kind      emissionKind
	roomID    string
	matchedAt time.Time
	remaining time.Duration
	mark      time.Duration
}

type warning struct {
	mark time.Duration
	due  time.Time
}

// task is the pending countdown of one active room.
type task struct {
	roomID    string
	matchedAt time.Time
	expiresAt time.Time
	nextTick  time.Time
	warnings  []warning // ascending by due
	tick      time.Duration
	index     int
}

func newTask(roomID string, matchedAt time.Time, duration, tick time.Duration, marks []time.Duration) *task {
	t := &task{
		roomID:    roomID,
		matchedAt: matchedAt,
		expiresAt: matchedAt.Add(duration),
		tick:      tick,
	}
	if tick > 0 {
		t.nextTick = matchedAt.Add(tick)
	}
	for _, mark := range marks {
		// a mark at or beyond the full duration is never crossed
		if mark <= 0 || mark >= duration {
			continue
		}
		t.warnings = append(t.warnings, warning{mark: mark, due: t.expiresAt.Add(-mark)})
	}
	sort.Slice(t.warnings, func(i, j int) bool { return t.warnings[i].due.Before(t.warnings[j].due) })
	return t
}

// due is the next instant the task needs attention.
func (t *task) due() time.Time {
	next := t.expiresAt
	if t.tick > 0 && t.nextTick.Before(next) {
		next = t.nextTick
	}
	if len(t.warnings) > 0 && t.warnings[0].due.Before(next) {
		next = t.warnings[0].due
	}
	return next
}

// fire collects the notifications due at now. It reports expired once
// now - matchedAt >= duration, in which case nothing else is emitted.
func (t *task) fire(now time.Time) (out []emission, expired bool) {
	if !now.Before(t.expiresAt) {
		return nil, true
	}
	remaining := t.expiresAt.Sub(now)

	if t.tick > 0 && !now.Before(t.nextTick) {
		out = append(out, emission{kind: emitTick, roomID: t.roomID, matchedAt: t.matchedAt, remaining: remaining})
		for !t.nextTick.After(now) {
			t.nextTick = t.nextTick.Add(t.tick)
		}
	}

	for len(t.warnings) > 0 && !now.Before(t.warnings[0].due) {
		w := t.warnings[0]
		t.warnings = t.warnings[1:]
		out = append(out, emission{kind: emitWarning, roomID: t.roomID, matchedAt: t.matchedAt, remaining: remaining, mark: w.mark})
	}
	return out, false
}

// taskHeap orders tasks by their next due time.
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due().Before(h[j].due()) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Seconds is the whole number of seconds left, never negative.
func Seconds(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// Format renders remaining time as MM:SS.
func Format(remaining time.Duration) string {
	secs := Seconds(remaining)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
