package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"maestro/netif"
	"maestro/service"
)

type stubTCP struct {
	name string
	port int
}

func (s *stubTCP) Name() string { return s.name }
func (s *stubTCP) Port() int    { return s.port }

func (s *stubTCP) OnConnection(context.Context, net.Conn, net.Addr) {}

func TestClassifyBind(t *testing.T) {
	svc := service.TCP(&stubTCP{name: "web", port: 80})

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"address in use", fmt.Errorf("listen: %w", unix.EADDRINUSE), KindAddressInUse},
		{"permission denied", fmt.Errorf("listen: %w", unix.EACCES), KindPermissionDenied},
		{"operation not permitted", fmt.Errorf("listen: %w", unix.EPERM), KindPermissionDenied},
		{"anything else", errors.New("listen: network down"), KindBindFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyBind(svc, tt.err)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, "web", got.Service)
			assert.Equal(t, 80, got.Port)
			assert.Equal(t, "bind", got.Op)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestServiceError_Message(t *testing.T) {
	err := &ServiceError{
		Service: "dns",
		Port:    53,
		Op:      "bind",
		Kind:    KindPermissionDenied,
		Err:     unix.EACCES,
	}
	msg := err.Error()
	assert.Contains(t, msg, `"dns"`)
	assert.Contains(t, msg, ":53")
	assert.Contains(t, msg, "permission denied")
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &ServiceError{Service: "s", Op: "accept", Kind: KindAccept, Err: cause}

	require.ErrorIs(t, err, cause)
	var svcErr *ServiceError
	require.ErrorAs(t, fmt.Errorf("run failed: %w", err), &svcErr)
	assert.Equal(t, KindAccept, svcErr.Kind)
}

func TestIsInterfaceNotFound(t *testing.T) {
	assert.True(t, IsInterfaceNotFound(fmt.Errorf("resolving: %w", netif.ErrNotFound)))
	assert.False(t, IsInterfaceNotFound(errors.New("other")))
	assert.False(t, IsInterfaceNotFound(nil))
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "bind failed", KindBindFailed.String())
	assert.Equal(t, "address in use", KindAddressInUse.String())
	assert.Equal(t, "permission denied", KindPermissionDenied.String())
	assert.Equal(t, "accept failed", KindAccept.String())
	assert.Equal(t, "receive failed", KindReceive.String())
}
