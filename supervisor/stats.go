package supervisor

import "sync/atomic"

// Stats tracks runtime counters across all dispatch loops of one
// supervisor.  All methods are safe for concurrent use, and a nil
// *Stats is a valid no-op receiver.
type Stats struct {
	accepted        atomic.Int64
	packets         atomic.Int64
	handlersActive  atomic.Int64
	handlerFailures atomic.Int64
	transientErrors atomic.Int64
}

// ConnectionAccepted records one accepted stream connection.
func (s *Stats) ConnectionAccepted() {
	if s == nil {
		return
	}
	s.accepted.Add(1)
}

// PacketReceived records one received datagram.
func (s *Stats) PacketReceived() {
	if s == nil {
		return
	}
	s.packets.Add(1)
}

// HandlerStarted / HandlerFinished bracket a handler invocation.
func (s *Stats) HandlerStarted() {
	if s == nil {
		return
	}
	s.handlersActive.Add(1)
}

func (s *Stats) HandlerFinished() {
	if s == nil {
		return
	}
	s.handlersActive.Add(-1)
}

// HandlerFailed records a handler panic.
func (s *Stats) HandlerFailed() {
	if s == nil {
		return
	}
	s.handlerFailures.Add(1)
}

// TransientError records a tolerated accept/receive error.
func (s *Stats) TransientError() {
	if s == nil {
		return
	}
	s.transientErrors.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionsAccepted int64
	PacketsReceived     int64
	HandlersActive      int64
	HandlerFailures     int64
	TransientErrors     int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Snapshot{
		ConnectionsAccepted: s.accepted.Load(),
		PacketsReceived:     s.packets.Load(),
		HandlersActive:      s.handlersActive.Load(),
		HandlerFailures:     s.handlerFailures.Load(),
		TransientErrors:     s.transientErrors.Load(),
	}
}
