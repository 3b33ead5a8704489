// Package config defines the runtime tunables of the orchestration
// core and loads them from the environment.
//
// Precedence order (highest wins):
//  1. Values set programmatically (supervisor.WithConfig)
//  2. Environment variables  (Load)
//  3. Kernel defaults for socket buffers, defaults.go for the rest
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tuneable of a supervisor instance.
type Config struct {
	// DrainTimeout bounds the graceful-drain phase at shutdown: handler
	// goroutines still running after this long are abandoned and their
	// sockets force-closed.
	DrainTimeout time.Duration `env:"MAESTRO_DRAIN_TIMEOUT"`

	// TCPRecvBuf / TCPSendBuf set SO_RCVBUF / SO_SNDBUF on stream
	// listeners.  Zero leaves the OS default untouched.
	TCPRecvBuf int `env:"MAESTRO_TCP_RCVBUF"`
	TCPSendBuf int `env:"MAESTRO_TCP_SNDBUF"`

	// UDPRecvBuf sets SO_RCVBUF on datagram sockets.  Zero leaves the
	// OS default untouched.
	UDPRecvBuf int `env:"MAESTRO_UDP_RCVBUF"`

	// UDPPacketSize is the receive buffer length for a single datagram.
	// Datagrams longer than this are truncated by the OS.
	UDPPacketSize int `env:"MAESTRO_UDP_PACKET_SIZE"`
}

// Load builds a Config from environment variables layered over the
// defaults.  Unset socket-buffer sizes fall back to the kernel's
// rmem/wmem defaults where readable.
func Load() (Config, error) {
	cfg := Default()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TCPRecvBuf == 0 {
		cfg.TCPRecvBuf = kernelDefault(rmemDefaultPath)
	}
	if cfg.TCPSendBuf == 0 {
		cfg.TCPSendBuf = kernelDefault(wmemDefaultPath)
	}
	if cfg.UDPRecvBuf == 0 {
		cfg.UDPRecvBuf = kernelDefault(rmemDefaultPath)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the binding and shutdown paths cannot use.
func (c Config) Validate() error {
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %v", c.DrainTimeout)
	}
	if c.UDPPacketSize <= 0 {
		return fmt.Errorf("UDP packet size must be positive, got %d", c.UDPPacketSize)
	}
	if c.TCPRecvBuf < 0 || c.TCPSendBuf < 0 || c.UDPRecvBuf < 0 {
		return fmt.Errorf("socket buffer sizes must not be negative")
	}
	return nil
}
