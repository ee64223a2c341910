package csp

// ConnInfo is a point-in-time snapshot of one live connection, taken for
// diagnostics and metrics export.
type ConnInfo struct {
	Source      uint8
	SourcePort  uint8
	Destination uint8
	DestPort    uint8
	State       string
	InFlight    uint32
	Window      uint32
	TxQueueLen  int
	RxQueueLen  int
}

// Connections snapshots every live connection under the stack token.
func (s *Stack) Connections() []ConnInfo {
	if err := s.lockRDP(); err != nil {
		return nil
	}
	defer s.unlockRDP()
	var out []ConnInfo
	for _, c := range s.conns {
		if !c.inUse {
			continue
		}
		out = append(out, ConnInfo{
			Source:      c.idOut.Source,
			SourcePort:  c.idOut.SourcePort,
			Destination: c.idOut.Destination,
			DestPort:    c.idOut.DestPort,
			State:       c.rdp.state.String(),
			InFlight:    uint32(c.rdp.sndNxt - c.rdp.sndUna),
			Window:      c.rdp.window,
			TxQueueLen:  len(c.rdp.txQueue),
			RxQueueLen:  len(c.rdp.rxQueue),
		})
	}
	return out
}
