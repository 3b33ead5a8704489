// Package netif resolves human-readable interface identifiers to
// concrete, bindable network addresses.
//
// Resolution is a pure lookup against the host's configured
// interfaces — no sockets are opened.  An identifier is either a
// system interface name ("lo", "eth0") or a literal IP address; in
// the latter case the interface owning that address is located and
// the result is narrowed to just that address.
package netif

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrNotFound means the identifier matched no interface on this host.
	ErrNotFound = errors.New("network interface not found")
	// ErrInvalidName means the identifier was empty or unparseable.
	ErrInvalidName = errors.New("invalid interface identifier")
	// ErrNoAddresses means the interface exists but carries no usable IPs.
	ErrNoAddresses = errors.New("interface has no usable addresses")
)

// Interface is the resolved identity of a local network attachment
// point.  It is immutable once resolved.
type Interface struct {
	// Name is the system interface name (e.g. "lo", "eth0").
	Name string
	// Index is the OS interface index.
	Index int
	// IPv4 holds the assigned IPv4 addresses.
	IPv4 []netip.Addr
	// IPv6 holds the assigned IPv6 addresses.  Link-local addresses
	// carry the interface name as their zone.
	IPv6 []netip.Addr
	// MAC is the hardware address.  When the OS reports none, a
	// locally-administered unicast address is synthesized so the
	// interface always has a stable identity.
	MAC net.HardwareAddr
}

// Addrs returns every address of the interface, IPv4 first.
func (i *Interface) Addrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(i.IPv4)+len(i.IPv6))
	out = append(out, i.IPv4...)
	out = append(out, i.IPv6...)
	return out
}

// Resolve maps an interface name or literal IP address to an
// Interface.  It fails with ErrInvalidName for blank identifiers,
// ErrNotFound for unknown names or unowned addresses, and
// ErrNoAddresses for interfaces without IPs.
func Resolve(identifier string) (*Interface, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("empty identifier: %w", ErrInvalidName)
	}

	if ip, err := netip.ParseAddr(identifier); err == nil {
		return resolveByAddr(ip)
	}
	return resolveByName(identifier)
}

func resolveByName(name string) (*Interface, error) {
	sys, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	addrs, err := sys.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}

	iface := &Interface{Name: sys.Name, Index: sys.Index, MAC: sys.HardwareAddr}
	for _, a := range addrs {
		ip, ok := toAddr(a)
		if !ok {
			continue
		}
		iface.add(ip)
	}

	if len(iface.IPv4) == 0 && len(iface.IPv6) == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrNoAddresses)
	}
	if len(iface.MAC) == 0 {
		iface.MAC = generateMAC()
	}
	return iface, nil
}

// resolveByAddr locates the interface owning ip and narrows the
// result to that single address.
func resolveByAddr(ip netip.Addr) (*Interface, error) {
	sysIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, sys := range sysIfaces {
		addrs, err := sys.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			got, ok := toAddr(a)
			if !ok || got.WithZone("") != ip.WithZone("") {
				continue
			}
			iface := &Interface{Name: sys.Name, Index: sys.Index, MAC: sys.HardwareAddr}
			iface.add(got)
			if len(iface.MAC) == 0 {
				iface.MAC = generateMAC()
			}
			return iface, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", ip, ErrNotFound)
}

func (i *Interface) add(ip netip.Addr) {
	if ip.Is4() || ip.Is4In6() {
		i.IPv4 = append(i.IPv4, ip.Unmap())
		return
	}
	if ip.IsLinkLocalUnicast() && ip.Zone() == "" {
		ip = ip.WithZone(i.Name)
	}
	i.IPv6 = append(i.IPv6, ip)
}

// toAddr converts a net.Addr (usually *net.IPNet) to a netip.Addr.
func toAddr(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return netip.AddrFromSlice(ip)
}

// generateMAC returns a pseudo-random MAC with the locally-administered
// and unicast bits set, so synthesized addresses remain plausible.
func generateMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	rand.Read(mac) //nolint:errcheck // crypto/rand never fails on supported platforms
	mac[0] = (mac[0] & 0b11111110) | 0b00000010
	return mac
}
