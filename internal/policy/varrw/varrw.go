// Package varrw implements the policy VarRW contract of spec.md §6: a
// named-variable read/write handle over a route's fields that a policy
// filter inspects and rewrites, plus the run_filter entry point and its
// PolicyException error type. Policy-expression evaluation itself is out of
// scope; only the variable contract and the identifiers filters are known
// by are specified here.
package varrw

import (
	"fmt"

	"github.com/route-beacon/ribd/internal/bgpaddr"
)

// Var names the fixed set of named variables a filter may read or write.
type Var string

const (
	VarNetwork4   Var = "NETWORK4"
	VarNetwork6   Var = "NETWORK6"
	VarNexthop4   Var = "NEXTHOP4"
	VarNexthop6   Var = "NEXTHOP6"
	VarMetric     Var = "METRIC"
	VarPolicyTags Var = "POLICY_TAGS"
)

// PolicyException is thrown by a filter implementation when it cannot
// evaluate against the route it was given (a type mismatch between the
// variable written and the route's family, an out-of-range value). It
// surfaces to the configuring caller as a configuration error, never as an
// internal one.
type PolicyException struct {
	FilterID string
	Reason   string
}

func (e *PolicyException) Error() string {
	return fmt.Sprintf("policy %s: %s", e.FilterID, e.Reason)
}

// VarRW is the read/write handle a filter is given over one route. Reads
// and writes take effect immediately on the underlying route representation
// the handle was constructed over; Handle implementations decide how that
// representation is held (a FIB2MribRoute, a BGP SubnetRoute's pending
// attribute set, etc).
type VarRW[A bgpaddr.Addr] interface {
	Network() bgpaddr.PrefixNet[A]
	SetNetwork(bgpaddr.PrefixNet[A])
	NextHop() A
	SetNextHop(A)
	Metric() uint32
	SetMetric(uint32)
	PolicyTags() []string
	SetPolicyTags([]string)
}

// Filter evaluates a named policy against a VarRW handle, returning whether
// the route is accepted. It must not mutate the route if it rejects.
type Filter[A bgpaddr.Addr] interface {
	ID() string
	RunFilter(rw VarRW[A]) (accepted bool, err error)
}

// RunFilter looks filterID up in the registry and runs it, translating a nil
// filter into a PolicyException rather than an accept — an unconfigured
// filter reference is a configuration error, not a pass-through.
func RunFilter[A bgpaddr.Addr](registry map[string]Filter[A], filterID string, rw VarRW[A]) (bool, error) {
	f, ok := registry[filterID]
	if !ok {
		return false, &PolicyException{FilterID: filterID, Reason: "no such filter configured"}
	}
	return f.RunFilter(rw)
}

// FuncFilter adapts a plain function to Filter, the shape most import/export
// policies in this pipeline are actually expressed as (a small number of
// fixed, compiled decision functions rather than a general expression
// evaluator, since policy-expression evaluation itself is out of scope).
type FuncFilter[A bgpaddr.Addr] struct {
	Name string
	Fn   func(rw VarRW[A]) (bool, error)
}

func (f *FuncFilter[A]) ID() string { return f.Name }

func (f *FuncFilter[A]) RunFilter(rw VarRW[A]) (bool, error) { return f.Fn(rw) }
