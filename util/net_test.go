package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:80", FormatAddr("127.0.0.1", 80))
	assert.Equal(t, "[::1]:443", FormatAddr("::1", 443))
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	require.NoError(t, err)
	require.Greater(t, port, 0)

	// The port must be immediately bindable.
	l, err := net.Listen("tcp", FormatAddr("127.0.0.1", port))
	require.NoError(t, err)
	l.Close()
}

func TestFindFreeUDPPort(t *testing.T) {
	port, err := FindFreeUDPPort()
	require.NoError(t, err)
	require.Greater(t, port, 0)

	c, err := net.ListenPacket("udp", FormatAddr("127.0.0.1", port))
	require.NoError(t, err)
	c.Close()
}
