// Package rib defines the contract this pipeline uses to talk to the local
// Routing Information Base: the RPC-shaped calls of spec.md §6, the closed
// error taxonomy shared by every queue that talks to the RIB, and the
// inform_rib egress queue of §4.9 that serializes add/replace/delete
// requests toward the local RIB with at-most-one-in-flight and 1s retry.
package rib

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
)

// ErrorKind is the closed error taxonomy returned from every RPC call site
// to the RIB, per spec.md §6.
type ErrorKind uint8

const (
	OK ErrorKind = iota
	CommandFailed
	NoFinder
	ResolveFailed
	SendFailed
	SendFailedTransient
	ReplyTimedOut
	BadArgs
	NoSuchMethod
	InternalError
)

func (k ErrorKind) String() string {
	switch k {
	case OK:
		return "OK"
	case CommandFailed:
		return "COMMAND_FAILED"
	case NoFinder:
		return "NO_FINDER"
	case ResolveFailed:
		return "RESOLVE_FAILED"
	case SendFailed:
		return "SEND_FAILED"
	case SendFailedTransient:
		return "SEND_FAILED_TRANSIENT"
	case ReplyTimedOut:
		return "REPLY_TIMED_OUT"
	case BadArgs:
		return "BAD_ARGS"
	case NoSuchMethod:
		return "NO_SUCH_METHOD"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// RPCError wraps an ErrorKind as a standard Go error, so call sites that
// don't care about the classification can still use errors.Is/errors.As.
type RPCError struct {
	Kind ErrorKind
	Op   string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rib: %s failed: %s", e.Op, e.Kind) }

// Disposition is what a retry layer should do with a failed RPC, per the
// classification rules of spec.md §4.5/§7 (shared by Register/Deregister
// and the inform_rib queue).
type Disposition uint8

const (
	// DispositionRetry means: retry after 1s with the request unchanged at
	// the head of the queue.
	DispositionRetry Disposition = iota
	// DispositionFatal means: flush the affected queue and mark the
	// subsystem failed.
	DispositionFatal
	// DispositionRejected means: log and drop (for a Register this also
	// marks the interface failed; a Deregister just warns and continues).
	DispositionRejected
	// DispositionExit means: NO_FINDER against the inform_rib queue, which
	// has no way to recover meaning from the process's perspective.
	DispositionExit
)

// Classify maps an RPC outcome to a disposition. everSucceeded records
// whether at least one prior call on this logical request succeeded, since
// RESOLVE_FAILED is transient before a first success and fatal after one
// (spec.md §4.5's error table).
// Classify is never meaningful for kind == OK; callers must check that case
// themselves before consulting it.
func Classify(kind ErrorKind, everSucceeded bool, isDeregister bool) Disposition {
	switch kind {
	case ResolveFailed:
		if everSucceeded {
			return DispositionFatal
		}
		return DispositionRetry
	case SendFailed, SendFailedTransient, ReplyTimedOut:
		return DispositionRetry
	case NoFinder:
		return DispositionFatal
	case CommandFailed, InternalError:
		if isDeregister {
			return DispositionRejected
		}
		return DispositionFatal
	default:
		return DispositionRejected
	}
}

// RetryBackoff returns a constant 1s backoff policy, the interval of
// spec.md §4.5/§7's "retry after 1s, request unchanged at head of queue"
// rule. The RIB-facing retry loops in this module (InformQueue and
// nhres.Resolver) do not call it; they schedule their 1s retry directly
// with clock.AfterFunc.
func RetryBackoff(clock clockwork.Clock) backoff.BackOff {
	b := backoff.NewConstantBackOff(time.Second)
	return b
}

// Client is the RIB-facing RPC surface of spec.md §6, generic over address
// family. A production implementation talks to the RIB process; tests use a
// deterministic fake.
type Client[A bgpaddr.Addr] interface {
	AddIGPTable(ctx context.Context, proto string, unicast, multicast bool) ErrorKind
	DeleteIGPTable(ctx context.Context, proto string, unicast, multicast bool) ErrorKind
	AddRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], nh A, metric uint32, unicast, multicast bool, tags []string) ErrorKind
	AddInterfaceRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], nh A, ifname, vifname string, metric uint32, unicast, multicast bool, tags []string) ErrorKind
	ReplaceRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], nh A, metric uint32, unicast, multicast bool, tags []string) ErrorKind
	DeleteRoute(ctx context.Context, proto string, net bgpaddr.PrefixNet[A], unicast, multicast bool) ErrorKind
	RegisterInterest(ctx context.Context, nh A) (RegisterResponse[A], ErrorKind)
	DeregisterInterest(ctx context.Context, base bgpaddr.PrefixNet[A]) ErrorKind
}

// RegisterResponse is the RIB's answer to register_interest, per spec.md
// §6's table: whether the nexthop resolves, the covering range it resolves
// within, and (if resolvable) the IGP metric.
type RegisterResponse[A bgpaddr.Addr] struct {
	Resolves      bool
	Base          A
	PrefixLen     int
	RealPrefixLen int
	ActualNextHop A
	Metric        uint32
}

// EgressOp is a tagged-variant operation queued for delivery to the local
// RIB from a RibOut egress chain, per spec.md §4.9.
type EgressOpKind uint8

const (
	EgressAdd EgressOpKind = iota
	EgressReplace
	EgressDelete
)

// EgressRequest is one inform_rib queue entry. Ignored, when set, means the
// request was marked cancelled after being queued (spec.md §5's
// cancellation rule): the callback discards it on dequeue instead of
// sending it.
type EgressRequest[A bgpaddr.Addr] struct {
	Kind      EgressOpKind
	Proto     string
	Net       bgpaddr.PrefixNet[A]
	NextHop   A
	Ifname    string
	Vifname   string
	Metric    uint32
	Unicast   bool
	Multicast bool
	Tags      []string
	Ignored   bool
}

// InformQueue is the single-in-flight, retry-on-transient-failure queue of
// pending add/replace/delete requests toward the local RIB (spec.md §4.9).
// It owns no goroutine of its own: the head request is sent from Enqueue,
// and a retry from the clock timer drainHead schedules (the cooperative,
// single-threaded scheduling model of §5).
type InformQueue[A bgpaddr.Addr] struct {
	client Client[A]
	clock  clockwork.Clock
	logger *zap.Logger
	family bgpaddr.Family

	pending []*EgressRequest[A]
	// OnFatal is invoked once when a NO_FINDER response is seen: the spec
	// says the process should exit in that case. Left as a callback so
	// cmd/ribd controls the actual exit path.
	OnFatal func(reason string)
}

func NewInformQueue[A bgpaddr.Addr](client Client[A], clock clockwork.Clock, family bgpaddr.Family, logger *zap.Logger) *InformQueue[A] {
	return &InformQueue[A]{client: client, clock: clock, family: family, logger: logger}
}

// Enqueue appends a request and, if nothing is currently in flight, starts
// sending it.
func (q *InformQueue[A]) Enqueue(ctx context.Context, req *EgressRequest[A]) {
	q.pending = append(q.pending, req)
	if len(q.pending) == 1 {
		q.drainHead(ctx)
	}
}

// Cancel marks the most recently matching queued (not yet sent) request as
// ignored, so its callback drops it on dequeue instead of delivering it.
func (q *InformQueue[A]) Cancel(match func(*EgressRequest[A]) bool) {
	for i := len(q.pending) - 1; i >= 1; i-- { // never cancel the in-flight head
		if match(q.pending[i]) {
			q.pending[i].Ignored = true
			return
		}
	}
}

func (q *InformQueue[A]) Len() int { return len(q.pending) }

// drainHead sends the head of the queue and, on completion, either advances
// to the next entry or retries the same one after 1s.
func (q *InformQueue[A]) drainHead(ctx context.Context) {
	if len(q.pending) == 0 {
		return
	}
	head := q.pending[0]
	if head.Ignored {
		q.pending = q.pending[1:]
		q.drainHead(ctx)
		return
	}

	kind := q.send(ctx, head)
	switch kind {
	case OK:
		q.pending = q.pending[1:]
		q.drainHead(ctx)
	case NoFinder:
		q.logger.Error("inform_rib: NO_FINDER, exiting", zap.String("afi", q.family.String()))
		if q.OnFatal != nil {
			q.OnFatal("rib finder lost")
		}
	case CommandFailed:
		q.logger.Warn("inform_rib: request rejected by RIB, dropping",
			zap.String("afi", q.family.String()), zap.Stringer("net", head.Net))
		q.pending = q.pending[1:]
		q.drainHead(ctx)
	default:
		metrics.RibRequestRetriesTotal.WithLabelValues(q.family.String(), "inform").Inc()
		q.logger.Warn("inform_rib: transient failure, retrying in 1s",
			zap.String("afi", q.family.String()), zap.Stringer("kind", kind))
		q.clock.AfterFunc(time.Second, func() { q.drainHead(ctx) })
	}
}

func (q *InformQueue[A]) send(ctx context.Context, req *EgressRequest[A]) ErrorKind {
	switch req.Kind {
	case EgressAdd:
		if req.Ifname != "" {
			return q.client.AddInterfaceRoute(ctx, req.Proto, req.Net, req.NextHop, req.Ifname, req.Vifname, req.Metric, req.Unicast, req.Multicast, req.Tags)
		}
		return q.client.AddRoute(ctx, req.Proto, req.Net, req.NextHop, req.Metric, req.Unicast, req.Multicast, req.Tags)
	case EgressReplace:
		return q.client.ReplaceRoute(ctx, req.Proto, req.Net, req.NextHop, req.Metric, req.Unicast, req.Multicast, req.Tags)
	case EgressDelete:
		return q.client.DeleteRoute(ctx, req.Proto, req.Net, req.Unicast, req.Multicast)
	default:
		return InternalError
	}
}
