// Package txn implements the Transaction Table: per-node correlation of
// outstanding subscription and control requests to their eventual response,
// with deadline-based expiry driven by a global sweep tick.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ranic/e2tc/internal/metrics"
)

// ErrTableFull is returned when a node already has maxPerNode transactions
// outstanding, or has exhausted the 16-bit transaction id space.
var ErrTableFull = errors.New("txn: transaction table full")

// ErrUnknownTransaction is returned when Resolve targets an id that is not
// outstanding (already resolved, expired, or never allocated).
var ErrUnknownTransaction = errors.New("txn: unknown transaction")

// Result is whatever payload a resolved transaction carries; the Router
// fills this with the decoded response PDU, or a TimeoutError on expiry.
type Result struct {
	Value any
	Err   error
}

// Waiter is the caller-facing handle for one outstanding transaction.
type Waiter struct {
	ID uint16

	ch chan Result
}

// Wait blocks until the transaction resolves, its deadline expires, or ctx
// is cancelled, whichever happens first.
func (w *Waiter) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-w.ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type entry struct {
	waiter   *Waiter
	deadline time.Time
}

type nodeTable struct {
	mu      sync.Mutex
	entries map[uint16]*entry
	next    uint16
}

// Table correlates outstanding transactions per E2 Node. maxPerNode bounds
// how many may be outstanding against one node at once; zero means the full
// 16-bit id space is the only bound.
type Table struct {
	mu         sync.RWMutex
	nodes      map[string]*nodeTable
	maxPerNode int
}

// New constructs an empty Transaction Table.
func New(maxPerNode int) *Table {
	return &Table{nodes: make(map[string]*nodeTable), maxPerNode: maxPerNode}
}

func (t *Table) nodeTableFor(node string) *nodeTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt, ok := t.nodes[node]
	if !ok {
		nt = &nodeTable{entries: make(map[uint16]*entry)}
		t.nodes[node] = nt
	}
	return nt
}

// Create allocates a new transaction id for node and returns a Waiter that
// resolves when Resolve is called with the same id, or when the deadline
// passes and Sweep observes it.
func (t *Table) Create(node string, now time.Time, timeout time.Duration) (*Waiter, error) {
	nt := t.nodeTableFor(node)
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if t.maxPerNode > 0 && len(nt.entries) >= t.maxPerNode {
		return nil, fmt.Errorf("%w: node %s at %d outstanding", ErrTableFull, node, len(nt.entries))
	}
	//1.- Scan at most 2^16 ids for a free slot, wrapping around like a ring.
	for i := 0; i < 1<<16; i++ {
		id := nt.next
		nt.next++
		if _, taken := nt.entries[id]; !taken {
			waiter := &Waiter{ID: id, ch: make(chan Result, 1)}
			nt.entries[id] = &entry{waiter: waiter, deadline: now.Add(timeout)}
			metrics.SetTransactionsOutstanding(node, len(nt.entries))
			return waiter, nil
		}
	}
	return nil, fmt.Errorf("%w: node %s", ErrTableFull, node)
}

// Resolve delivers result to the waiter registered for (node, id) and
// removes it from the table. It reports false if no such transaction is
// outstanding (already resolved, expired, or unknown).
func (t *Table) Resolve(node string, id uint16, result Result) bool {
	t.mu.RLock()
	nt, ok := t.nodes[node]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	e, ok := nt.entries[id]
	if !ok {
		return false
	}
	delete(nt.entries, id)
	metrics.SetTransactionsOutstanding(node, len(nt.entries))
	e.waiter.ch <- result
	return true
}

// Sweep expires every transaction across every node whose deadline has
// passed as of now, delivering a timeout Result to each waiter. It is meant
// to be called on the deadline_tick cadence.
func (t *Table) Sweep(now time.Time, timeoutErr error) {
	t.mu.RLock()
	nodes := make([]string, 0, len(t.nodes))
	tables := make([]*nodeTable, 0, len(t.nodes))
	for node, nt := range t.nodes {
		nodes = append(nodes, node)
		tables = append(tables, nt)
	}
	t.mu.RUnlock()

	for i, nt := range tables {
		node := nodes[i]
		nt.mu.Lock()
		for id, e := range nt.entries {
			if !now.Before(e.deadline) {
				delete(nt.entries, id)
				metrics.IncTransactionExpired(node)
				e.waiter.ch <- Result{Err: timeoutErr}
			}
		}
		remaining := len(nt.entries)
		nt.mu.Unlock()
		metrics.SetTransactionsOutstanding(node, remaining)
	}
}

// Forget drops every outstanding transaction for a node, used when its
// association closes and nothing will ever resolve them. Waiters already
// blocked in Wait receive a Result carrying closeErr.
func (t *Table) Forget(node string, closeErr error) {
	t.mu.Lock()
	nt, ok := t.nodes[node]
	delete(t.nodes, node)
	t.mu.Unlock()
	if !ok {
		return
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	for id, e := range nt.entries {
		delete(nt.entries, id)
		e.waiter.ch <- Result{Err: closeErr}
	}
	metrics.SetTransactionsOutstanding(node, 0)
}

// Outstanding returns the number of outstanding transactions for a node.
func (t *Table) Outstanding(node string) int {
	t.mu.RLock()
	nt, ok := t.nodes[node]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return len(nt.entries)
}
