package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across environment loading and programmatic construction.

const (
	// DefaultDrainTimeout is how long shutdown waits for in-flight
	// handlers before abandoning them.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultUDPPacketSize fits the largest possible UDP payload.
	DefaultUDPPacketSize = 65535
)

// Kernel files holding the default socket buffer sizes on Linux.
const (
	rmemDefaultPath = "/proc/sys/net/core/rmem_default"
	wmemDefaultPath = "/proc/sys/net/core/wmem_default"
)

// Default returns the baseline configuration.  Socket buffer sizes
// stay zero (OS default) unless overridden by Load or the caller.
func Default() Config {
	return Config{
		DrainTimeout:  DefaultDrainTimeout,
		UDPPacketSize: DefaultUDPPacketSize,
	}
}

// kernelDefault reads a sysctl value from path, returning 0 when the
// file is absent (non-Linux) or unparseable.
func kernelDefault(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
