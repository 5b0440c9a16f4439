package transport

import (
	"fmt"
	"sync"
	"time"

	"muxrpc/protocol"
)

// Result completes one pending request: either the response command or an error.
type Result struct {
	Cmd *protocol.Command
	Err error
}

type pendingEntry struct {
	seq      uint64
	done     chan Result // buffered, receives exactly one Result
	deadline time.Time
	created  time.Time
}

// PendingTable pairs outbound requests with their eventual responses.
//
// Whoever removes an entry under the lock (Resolve, Expire, Cancel or CancelAll) is
// the only one to complete it, so a response racing its own timeout is delivered once.
// Results are sent after the lock is released into a buffered channel, which never blocks.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingEntry
	closed  error // set by CancelAll, later Register calls fail with it
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint64]*pendingEntry)}
}

// Register creates the entry for seq and returns the channel its Result arrives on.
func (t *PendingTable) Register(seq uint64, deadline time.Time) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	if _, ok := t.entries[seq]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateSeq, seq)
	}
	e := &pendingEntry{
		seq:      seq,
		done:     make(chan Result, 1),
		deadline: deadline,
		created:  time.Now(),
	}
	t.entries[seq] = e
	return e.done, nil
}

// Resolve hands cmd to the caller waiting on seq. It returns false if nobody is
// waiting any more (late or duplicate response, or the caller gave up).
func (t *PendingTable) Resolve(seq uint64, cmd *protocol.Command) bool {
	e := t.remove(seq)
	if e == nil {
		return false
	}
	e.done <- Result{Cmd: cmd}
	return true
}

// Cancel drops the entry for seq without completing it. It returns false if the
// entry was already completed by someone else.
func (t *PendingTable) Cancel(seq uint64) bool {
	return t.remove(seq) != nil
}

// Expire completes every entry whose deadline is before now with ErrTimeout and
// returns how many were expired.
func (t *PendingTable) Expire(now time.Time) int {
	var expired []*pendingEntry
	t.mu.Lock()
	for seq, e := range t.entries {
		if !e.deadline.IsZero() && now.After(e.deadline) {
			delete(t.entries, seq)
			expired = append(expired, e)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		e.done <- Result{Err: fmt.Errorf("%w: seq %d after %s", ErrTimeout, e.seq, e.deadline.Sub(e.created))}
	}
	return len(expired)
}

// CancelAll completes every entry with a *ClosedError carrying reason and refuses
// further registrations. It returns how many entries were cancelled.
func (t *PendingTable) CancelAll(reason error) int {
	closedErr := &ClosedError{Reason: reason}

	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*pendingEntry)
	if t.closed == nil {
		t.closed = closedErr
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.done <- Result{Err: closedErr}
	}
	return len(entries)
}

func (t *PendingTable) Contains(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[seq]
	return ok
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *PendingTable) remove(seq uint64) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return nil
	}
	delete(t.entries, seq)
	return e
}
