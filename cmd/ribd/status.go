package main

// ingressStatusAggregator reports the Kafka ingress transport as joined
// only once every per-peer consumer it tracks has joined its group,
// matching httpapi's single-boolean ConsumerStatus contract across what is
// actually a fleet of one consumer per (peer, family).
type ingressStatusAggregator struct {
	consumers []interface{ IsJoined() bool }
}

func (a *ingressStatusAggregator) add(c interface{ IsJoined() bool }) {
	a.consumers = append(a.consumers, c)
}

func (a *ingressStatusAggregator) IsJoined() bool {
	if len(a.consumers) == 0 {
		return false
	}
	for _, c := range a.consumers {
		if !c.IsJoined() {
			return false
		}
	}
	return true
}

// pipelineStatus adapts a Plumbing's (ok bool, reason string) status query
// to httpapi.PipelineStatus's (state, reason string) shape.
type pipelineStatus struct {
	status func() (bool, string)
}

func (p pipelineStatus) Status() (string, string) {
	ok, reason := p.status()
	if ok {
		return "RUNNING", ""
	}
	return "FAILED", reason
}
