package supervisor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"maestro/netif"
	"maestro/service"
)

// ErrRegistrationAfterStart is the panic value raised by Add once Run
// has begun.  Registering against a live supervisor is a programming
// error, not a runtime condition to recover from.
var ErrRegistrationAfterStart = errors.New("maestro: service registered after Run")

// ErrAlreadyStarted is returned by Run when the supervisor has
// already been run.  A Supervisor's lifecycle is single-use.
var ErrAlreadyStarted = errors.New("maestro: supervisor already started")

// ErrorKind classifies a ServiceError for programmatic handling.
type ErrorKind int

const (
	// KindBindFailed covers bind failures with no more specific cause.
	KindBindFailed ErrorKind = iota
	// KindAddressInUse means another socket already owns the (protocol,
	// address, port) triple.
	KindAddressInUse
	// KindPermissionDenied means the OS refused the bind (typically a
	// privileged port).
	KindPermissionDenied
	// KindAccept is a fatal error in a stream accept loop.
	KindAccept
	// KindReceive is a fatal error in a datagram receive loop.
	KindReceive
)

func (k ErrorKind) String() string {
	switch k {
	case KindAddressInUse:
		return "address in use"
	case KindPermissionDenied:
		return "permission denied"
	case KindAccept:
		return "accept failed"
	case KindReceive:
		return "receive failed"
	default:
		return "bind failed"
	}
}

// ServiceError carries enough identity to diagnose which service
// failed and why: name, port, the operation, and the classified kind.
type ServiceError struct {
	Service string
	Port    int
	Op      string // "bind", "accept", "receive"
	Kind    ErrorKind
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %q: %s :%d: %v (%s)", e.Service, e.Op, e.Port, e.Err, e.Kind)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// classifyBind wraps a bind failure for svc, detecting the more
// specific address-in-use and permission-denied causes.
func classifyBind(svc service.Service, err error) *ServiceError {
	kind := KindBindFailed
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		kind = KindAddressInUse
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		kind = KindPermissionDenied
	}
	return &ServiceError{
		Service: svc.Name(),
		Port:    svc.Port(),
		Op:      "bind",
		Kind:    kind,
		Err:     err,
	}
}

// IsInterfaceNotFound reports whether err is a failed interface
// resolution — the one startup failure guaranteed to have zero side
// effects.
func IsInterfaceNotFound(err error) bool {
	return errors.Is(err, netif.ErrNotFound)
}
