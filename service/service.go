// Package service defines the units of work the supervisor runs: a
// named handler bound to a port over exactly one of two protocols.
//
// The protocol set is closed by design — a Service wraps either a
// TCPHandler or a UDPHandler, fixed at construction.  Handlers are
// arbitrary user code; the orchestration layer only guarantees when
// and with what they are invoked, never what they do.
package service

import (
	"context"
	"net"
	"net/netip"

	"maestro/netif"
)

// TCPHandler is the behavior of a stream service.  OnConnection is
// invoked once per accepted connection, on its own goroutine, with
// exclusive ownership of conn for the duration of the call.  Handlers
// must tolerate concurrent invocations in any order.
type TCPHandler interface {
	// Name identifies the service in logs and errors.
	Name() string
	// Port is the local port to listen on.
	Port() int
	// OnConnection handles one accepted connection.  ctx is cancelled
	// when the supervisor begins shutting down.
	OnConnection(ctx context.Context, conn net.Conn, peer net.Addr)
}

// UDPHandler is the behavior of a datagram service.  OnPacket is
// invoked once per received datagram, on its own goroutine.  conn is
// the shared bound socket — safe for concurrent sends, usable for
// replies, and kept open until every in-flight invocation has had its
// chance to finish.
type UDPHandler interface {
	Name() string
	Port() int
	// OnPacket handles one datagram.  payload is owned by the handler.
	OnPacket(ctx context.Context, payload []byte, conn *net.UDPConn, peer *net.UDPAddr)
}

// Kind discriminates the two service variants.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// Network returns the net package network string for the kind.
func (k Kind) Network() string {
	if k == KindUDP {
		return "udp"
	}
	return "tcp"
}

func (k Kind) String() string { return k.Network() }

// ── Bind modes ───────────────────────────────────────────────────────

type bindKind int

const (
	bindPreferInterface bindKind = iota
	bindAll
	bindSpecific
)

// BindMode selects which addresses a service attempts to bind.
type BindMode struct {
	kind bindKind
	ip   netip.Addr
}

// PreferInterface binds on the resolved interface's addresses, trying
// each in order until one succeeds.  This is the default.
func PreferInterface() BindMode { return BindMode{kind: bindPreferInterface} }

// BindAll binds on the wildcard address, listening on all interfaces.
func BindAll() BindMode { return BindMode{kind: bindAll} }

// Specific binds only the given IP address.
func Specific(ip netip.Addr) BindMode { return BindMode{kind: bindSpecific, ip: ip} }

// Candidates expands the mode into the ordered list of addresses a
// service with the given port should attempt, using iface for the
// PreferInterface strategy.  An interface without addresses falls back
// to the IPv4 wildcard.
func (m BindMode) Candidates(iface *netif.Interface, port int) []netip.AddrPort {
	p := uint16(port)
	switch m.kind {
	case bindSpecific:
		return []netip.AddrPort{netip.AddrPortFrom(m.ip, p)}
	case bindAll:
		return []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv4Unspecified(), p),
			netip.AddrPortFrom(netip.IPv6Unspecified(), p),
		}
	default:
		addrs := iface.Addrs()
		out := make([]netip.AddrPort, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.AddrPortFrom(a, p))
		}
		if len(out) == 0 {
			out = append(out, netip.AddrPortFrom(netip.IPv4Unspecified(), p))
		}
		return out
	}
}

// ── Service ──────────────────────────────────────────────────────────

// Service is a registered unit of work: one handler, one protocol,
// one port, plus binding options.  Construct with TCP or UDP; the
// kind never changes afterwards.
type Service struct {
	kind      Kind
	tcp       TCPHandler
	udp       UDPHandler
	bindMode  BindMode
	multicast []netip.Addr
	reusePort bool
}

// Option customizes how a service binds its socket.
type Option func(*Service)

// WithBindMode overrides the default PreferInterface strategy.
func WithBindMode(m BindMode) Option {
	return func(s *Service) { s.bindMode = m }
}

// WithMulticast makes a datagram service join the given groups on its
// bound socket.  Ignored for stream services.
func WithMulticast(groups ...netip.Addr) Option {
	return func(s *Service) { s.multicast = append(s.multicast, groups...) }
}

// WithReusePort sets SO_REUSEPORT on the service's socket, letting
// multiple sockets share one (protocol, address, port) triple where
// the platform supports it.  Off by default: without it a second bind
// of the same port fails with an address-in-use error, which is the
// conflict detection the startup phase relies on.
func WithReusePort() Option {
	return func(s *Service) { s.reusePort = true }
}

// TCP wraps a stream handler into a Service.
func TCP(h TCPHandler, opts ...Option) Service {
	s := Service{kind: KindTCP, tcp: h}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// UDP wraps a datagram handler into a Service.
func UDP(h UDPHandler, opts ...Option) Service {
	s := Service{kind: KindUDP, udp: h}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Name returns the handler's name.
func (s Service) Name() string {
	if s.kind == KindUDP {
		return s.udp.Name()
	}
	return s.tcp.Name()
}

// Port returns the handler's declared port.
func (s Service) Port() int {
	if s.kind == KindUDP {
		return s.udp.Port()
	}
	return s.tcp.Port()
}

// Kind returns the protocol variant, fixed at construction.
func (s Service) Kind() Kind { return s.kind }

// BindMode returns the service's binding strategy.
func (s Service) BindMode() BindMode { return s.bindMode }

// Multicast returns the groups a datagram service joins.
func (s Service) Multicast() []netip.Addr { return s.multicast }

// ReusePort reports whether the service opted in to port sharing.
func (s Service) ReusePort() bool { return s.reusePort }

// Stream returns the wrapped TCPHandler, or nil for datagram services.
func (s Service) Stream() TCPHandler { return s.tcp }

// Datagram returns the wrapped UDPHandler, or nil for stream services.
func (s Service) Datagram() UDPHandler { return s.udp }

// ── Interface context ────────────────────────────────────────────────

type ifaceKey struct{}

// ContextWithInterface attaches the resolved interface to ctx.  The
// supervisor does this once per run so handlers that care about the
// local attachment point can recover it.
func ContextWithInterface(ctx context.Context, iface *netif.Interface) context.Context {
	return context.WithValue(ctx, ifaceKey{}, iface)
}

// InterfaceFromContext returns the interface attached by
// ContextWithInterface, or nil.
func InterfaceFromContext(ctx context.Context) *netif.Interface {
	iface, _ := ctx.Value(ifaceKey{}).(*netif.Interface)
	return iface
}
