package supervisor

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"maestro/config"
	"maestro/netif"
	"maestro/service"
)

// boundService pairs a registered service with its live socket.
// Exactly one socket exists per successfully bound service.  Close is
// idempotent so the shutdown and rollback paths can race safely, and
// rebind arms it again with a fresh socket when the restart policy
// reruns a failed loop.
type boundService struct {
	svc service.Service

	mu     sync.Mutex
	closed bool
	ln     net.Listener // stream services
	conn   *net.UDPConn // datagram services
	addr   net.Addr
}

// Close shuts the current socket exactly once.  Later calls are
// no-ops until rebind installs a new socket.
func (b *boundService) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ln != nil {
		return b.ln.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// rebind replaces the dead socket with fresh's.  Only the supervising
// goroutine calls this, between two serve attempts.
func (b *boundService) rebind(fresh *boundService) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ln, b.conn, b.addr, b.closed = fresh.ln, fresh.conn, fresh.addr, false
}

// bindAll binds every registered service in registration order.
// Startup is all-or-nothing: the first failure closes every socket
// bound so far in this pass and aborts with the triggering service's
// identity in the error.
func (s *Supervisor) bindAll(ctx context.Context, iface *netif.Interface, log zerolog.Logger) ([]*boundService, error) {
	bound := make([]*boundService, 0, len(s.services))
	for _, svc := range s.services {
		b, err := s.bindService(ctx, svc, iface, log)
		if err != nil {
			for _, prev := range bound {
				err = multierr.Append(err, prev.Close())
			}
			return nil, err
		}
		bound = append(bound, b)
	}
	return bound, nil
}

// bindService tries each candidate address of the service's bind mode
// in order; the first successful bind wins.
func (s *Supervisor) bindService(ctx context.Context, svc service.Service, iface *netif.Interface, log zerolog.Logger) (*boundService, error) {
	if port := svc.Port(); port < 0 || port > math.MaxUint16 {
		return nil, &ServiceError{
			Service: svc.Name(),
			Port:    port,
			Op:      "bind",
			Kind:    KindBindFailed,
			Err:     fmt.Errorf("port %d out of range", port),
		}
	}

	lc := s.listenConfig(svc)

	var firstErr error
	for _, candidate := range svc.BindMode().Candidates(iface, svc.Port()) {
		b, err := bindCandidate(ctx, lc, svc, candidate, iface)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info().
			Str("service", svc.Name()).
			Stringer("kind", svc.Kind()).
			Stringer("addr", b.addr).
			Msg("service bound")
		return b, nil
	}
	return nil, classifyBind(svc, firstErr)
}

func bindCandidate(ctx context.Context, lc net.ListenConfig, svc service.Service, addr netip.AddrPort, iface *netif.Interface) (*boundService, error) {
	if svc.Kind() == service.KindTCP {
		ln, err := lc.Listen(ctx, "tcp", addr.String())
		if err != nil {
			return nil, err
		}
		return &boundService{svc: svc, ln: ln, addr: ln.Addr()}, nil
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if groups := svc.Multicast(); len(groups) > 0 {
		if err := joinMulticast(conn, groups, iface); err != nil {
			conn.Close() //nolint:errcheck
			return nil, err
		}
	}
	return &boundService{svc: svc, conn: conn, addr: conn.LocalAddr()}, nil
}

// listenConfig applies the socket options every bound socket gets:
// SO_REUSEADDR, SO_REUSEPORT for services that opted in, SO_BROADCAST
// for IPv4 datagram sockets, and the configured buffer sizes.
func (s *Supervisor) listenConfig(svc service.Service) net.ListenConfig {
	cfg := s.cfg
	kind := svc.Kind()
	reusePort := svc.ReusePort()
	return net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var optErr error
			err := c.Control(func(fd uintptr) {
				optErr = setSocketOptions(int(fd), network, kind, reusePort, cfg)
			})
			return multierr.Append(err, optErr)
		},
	}
}

func setSocketOptions(fd int, network string, kind service.Kind, reusePort bool, cfg config.Config) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	// SO_REUSEPORT only when the service asked for port sharing:
	// setting it by default would let two services bind the same port
	// and defeat conflict detection at startup.
	if reusePort {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) //nolint:errcheck // best effort, not every platform exposes it
	}

	var err error
	if kind == service.KindUDP {
		if network == "udp4" {
			err = multierr.Append(err, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1))
		}
		if cfg.UDPRecvBuf > 0 {
			err = multierr.Append(err, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.UDPRecvBuf))
		}
		return err
	}

	if cfg.TCPRecvBuf > 0 {
		err = multierr.Append(err, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.TCPRecvBuf))
	}
	if cfg.TCPSendBuf > 0 {
		err = multierr.Append(err, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.TCPSendBuf))
	}
	return err
}

// joinMulticast joins each compatible group on the bound socket.
// Groups whose address family does not match the socket's are
// skipped, not errors: a dual-stack service lists both and each
// socket picks up its own.
func joinMulticast(conn *net.UDPConn, groups []netip.Addr, iface *netif.Interface) error {
	local := conn.LocalAddr().(*net.UDPAddr)
	localIsV4 := local.IP.To4() != nil

	var sys *net.Interface
	if iface.Index > 0 {
		sys, _ = net.InterfaceByIndex(iface.Index)
	}

	for _, group := range groups {
		switch {
		case group.Is4() && localIsV4:
			p := ipv4.NewPacketConn(conn)
			if err := p.JoinGroup(sys, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
				return err
			}
		case group.Is6() && !localIsV4:
			p := ipv6.NewPacketConn(conn)
			if err := p.JoinGroup(sys, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
				return err
			}
		}
	}
	return nil
}
