// Package ifmgr holds the local view of interfaces, vifs and their
// addresses that fib2mrib consults to enrich a bare FIB route with the
// outgoing interface and to decide whether a route is directly connected
// (spec.md §4.6, grounded on the XORP fib2mrib node's interface tree
// lookups).
package ifmgr

import (
	"sync"

	"github.com/route-beacon/ribd/internal/bgpaddr"
)

// VifAddress is one address configured on a vif: the specific host address
// plus the subnet it was configured with. PrefixNet alone can't represent
// this, since it always masks to the network address and would lose the
// host bits that make an address "mine" rather than just "in my subnet".
type VifAddress[A bgpaddr.Addr] struct {
	Host A
	Net  bgpaddr.PrefixNet[A]
}

// Vif is one virtual interface (a physical interface, or a logical
// sub-interface of one) and the addresses configured on it.
type Vif[A bgpaddr.Addr] struct {
	Name      string
	Enabled   bool
	Addresses []VifAddress[A]
}

// Interface groups the vifs that belong to one physical device.
type Interface[A bgpaddr.Addr] struct {
	Name string
	Vifs []*Vif[A]
}

// Tree is the read side of the interface/vif/address contract fib2mrib
// needs: finding which interface a next-hop lives on, and recognizing
// locally-owned addresses so a route to one of them is never redistributed
// as a regular route.
type Tree[A bgpaddr.Addr] interface {
	// FindInterfaceVif returns the interface and vif whose address range
	// contains addr, if any.
	FindInterfaceVif(addr A) (ifname, vifname string, ok bool)
	// IsMyAddr reports whether addr is configured on any local vif.
	IsMyAddr(addr A) bool
	// IsDirectlyConnected reports whether net falls entirely within one of
	// a vif's configured address ranges.
	IsDirectlyConnected(net bgpaddr.PrefixNet[A]) (ifname, vifname string, ok bool)
}

// MutableTree is an in-memory Tree used both as the production
// configuration store (populated from the config/state-sync source of
// truth) and as a deterministic test double.
type MutableTree[A bgpaddr.Addr] struct {
	mu         sync.RWMutex
	interfaces map[string]*Interface[A]
}

func NewMutableTree[A bgpaddr.Addr]() *MutableTree[A] {
	return &MutableTree[A]{interfaces: make(map[string]*Interface[A])}
}

// SetInterface replaces (or adds) an interface's definition wholesale, the
// granularity at which this pipeline's configuration source delivers
// interface-tree updates.
func (t *MutableTree[A]) SetInterface(iface *Interface[A]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interfaces[iface.Name] = iface
}

func (t *MutableTree[A]) RemoveInterface(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.interfaces, name)
}

func (t *MutableTree[A]) FindInterfaceVif(addr A) (string, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host := bgpaddr.HostPrefix(addr)
	for _, iface := range t.interfaces {
		for _, vif := range iface.Vifs {
			if !vif.Enabled {
				continue
			}
			for _, a := range vif.Addresses {
				if a.Net.Contains(host) {
					return iface.Name, vif.Name, true
				}
			}
		}
	}
	return "", "", false
}

func (t *MutableTree[A]) IsMyAddr(addr A) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, iface := range t.interfaces {
		for _, vif := range iface.Vifs {
			for _, a := range vif.Addresses {
				if a.Host == addr {
					return true
				}
			}
		}
	}
	return false
}

func (t *MutableTree[A]) IsDirectlyConnected(net bgpaddr.PrefixNet[A]) (string, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, iface := range t.interfaces {
		for _, vif := range iface.Vifs {
			if !vif.Enabled {
				continue
			}
			for _, a := range vif.Addresses {
				if a.Net.Equal(net) || a.Net.Contains(net) {
					return iface.Name, vif.Name, true
				}
			}
		}
	}
	return "", "", false
}

var _ Tree[bgpaddr.V4] = (*MutableTree[bgpaddr.V4])(nil)
