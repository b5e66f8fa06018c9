// Package txn implements the transactional batch interface of spec.md
// §4.11: a caller opens a transaction, queues a bounded number of typed
// operations into it, and commits them as one atomic-from-the-caller's-
// perspective unit bracketed by start_configuration/end_configuration calls
// into the target subsystem. Grounded on the XORP FibConfigTransactionManager
// /FtiTransactionManager pattern named in original_source/trunk/xorp/fea.
package txn

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
)

// OpKind is the tagged-variant discriminant for a queued operation,
// replacing a C++ dynamic-cast-based dispatch over operation subclasses.
type OpKind uint8

const (
	OpAddEntry OpKind = iota
	OpDeleteEntry
	OpDeleteAll
)

// Op is one operation queued into a transaction.
type Op[A bgpaddr.Addr] struct {
	Kind   OpKind
	Family bgpaddr.Family
	Entry  any // the subsystem-specific payload for AddEntry/DeleteEntry; nil for DeleteAll
}

// Target is the subsystem a transaction commits into: it receives
// start_configuration before the first operation, one call per queued Op,
// and end_configuration after the last.
type Target[A bgpaddr.Addr] interface {
	StartConfiguration() error
	Apply(op Op[A]) error
	EndConfiguration() error
}

// ID identifies one open transaction.
type ID uint64

// Limits bounds a Manager's resource usage, per spec.md §4.11.
type Limits struct {
	MaxPending int
	MaxOps     int
	Timeout    time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxPending: 8, MaxOps: 1024, Timeout: 30 * time.Second}
}

type transaction[A bgpaddr.Addr] struct {
	ops       []Op[A]
	lastTouch time.Time
}

// Manager owns the set of open transactions for one target subsystem. It is
// not safe for concurrent use from multiple goroutines; like the rest of
// this pipeline it is driven from a single cooperative event loop. Stale
// transactions are swept at the start of every StartTransaction; no timer
// runs the sweep.
type Manager[A bgpaddr.Addr] struct {
	target Target[A]
	clock  clockwork.Clock
	limits Limits

	next         ID
	transactions map[ID]*transaction[A]
}

func NewManager[A bgpaddr.Addr](target Target[A], clock clockwork.Clock, limits Limits) *Manager[A] {
	return &Manager[A]{target: target, clock: clock, limits: limits, transactions: make(map[ID]*transaction[A])}
}

// StartTransaction opens a new transaction, failing if MaxPending is already
// reached.
func (m *Manager[A]) StartTransaction() (ID, error) {
	m.expireStale()
	if len(m.transactions) >= m.limits.MaxPending {
		return 0, fmt.Errorf("txn: too many open transactions (max %d)", m.limits.MaxPending)
	}
	m.next++
	id := m.next
	m.transactions[id] = &transaction[A]{lastTouch: m.clock.Now()}
	return id, nil
}

// AddOperation appends op to tid's pending list, failing if MaxOps would be
// exceeded or tid does not exist.
func (m *Manager[A]) AddOperation(tid ID, op Op[A]) error {
	tx, ok := m.transactions[tid]
	if !ok {
		return fmt.Errorf("txn: no such transaction %d", tid)
	}
	if len(tx.ops) >= m.limits.MaxOps {
		return fmt.Errorf("txn: transaction %d exceeds max operations (%d)", tid, m.limits.MaxOps)
	}
	tx.ops = append(tx.ops, op)
	tx.lastTouch = m.clock.Now()
	return nil
}

// Commit runs every queued operation against the target, bracketed by
// start_configuration/end_configuration, and records only the first
// operation-level error — later operations still run, since a transaction's
// point is to apply as many of its operations as possible while reporting
// one failure back to the configuring caller, matching the spec's "record
// only the first operation-level error" rule.
func (m *Manager[A]) Commit(tid ID) error {
	tx, ok := m.transactions[tid]
	if !ok {
		return fmt.Errorf("txn: no such transaction %d", tid)
	}
	delete(m.transactions, tid)

	start := m.clock.Now()
	outcome := "ok"
	defer func() {
		metrics.TransactionDurationSeconds.WithLabelValues("commit", outcome).Observe(m.clock.Now().Sub(start).Seconds())
	}()

	if err := m.target.StartConfiguration(); err != nil {
		outcome = "start_failed"
		return err
	}

	var firstErr error
	for _, op := range tx.ops {
		if err := m.target.Apply(op); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := m.target.EndConfiguration(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		outcome = "op_failed"
	}
	return firstErr
}

// Abort discards a transaction without applying any of its operations.
func (m *Manager[A]) Abort(tid ID) error {
	if _, ok := m.transactions[tid]; !ok {
		return fmt.Errorf("txn: no such transaction %d", tid)
	}
	delete(m.transactions, tid)
	return nil
}

// expireStale drops any transaction that has seen no activity for longer
// than Timeout, the inactivity-expiry rule of spec.md §4.11.
func (m *Manager[A]) expireStale() {
	now := m.clock.Now()
	for id, tx := range m.transactions {
		if now.Sub(tx.lastTouch) > m.limits.Timeout {
			delete(m.transactions, id)
		}
	}
}

func (m *Manager[A]) OpenCount() int { return len(m.transactions) }
