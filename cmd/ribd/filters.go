package main

import (
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/config"
	"github.com/route-beacon/ribd/internal/table"
)

// buildFilterBanks assembles the ingress and egress filter chain for one
// peer, per spec.md §4.3: loop rejection and LOCAL_PREF assignment on the
// way in, split-horizon/AS prepend/MED/LOCAL_PREF hygiene on the way out.
// internalFn closes over this function's own copy of pc, so the filters see
// pc.Internal as it was when the banks were built; a later change to the
// caller's PeerConfig is not observed.
func buildFilterBanks[A bgpaddr.Addr](localAS uint32, pc config.PeerConfig) (ingress, egress []table.RouteFilter[A]) {
	internalFn := func() bool { return pc.Internal }

	ingress = []table.RouteFilter[A]{
		&table.SimpleASFilter[A]{AS: localAS},
		&table.LocalPrefInsertionFilter[A]{
			DefaultLocalPref: 100,
			Direction:        table.DirectionIngress,
			SourceIsInternal: internalFn,
		},
		&table.UnknownAttrFilter[A]{},
	}

	egress = []table.RouteFilter[A]{
		&table.IBGPLoopFilter[A]{DestIsInternal: internalFn},
		&table.LocalPrefInsertionFilter[A]{
			Direction:        table.DirectionEgress,
			SourceIsInternal: internalFn,
		},
	}
	if !pc.Internal {
		// Only a route this speaker originated internally needs the local
		// AS added before crossing an eBGP session: one that already came
		// in over eBGP carries the upstream AS at the head of its path.
		egress = append(egress,
			&table.OriginateRouteFilter[A]{AS: localAS},
			&table.MedRemoveFilter[A]{},
		)
	}

	return ingress, egress
}
