package supervisor

import (
	"context"
	"errors"
	"os"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/rs/zerolog"

	"maestro/internal/tasks"
)

// receiveLoop is the datagram dispatch loop: wait for the next
// datagram, copy its payload, hand it to a handler goroutine, and
// immediately resume receiving.
//
// The bound socket is shared: every in-flight handler may send
// replies on it, so the loop never closes it.  Cancellation unblocks
// the read with a deadline instead; the supervisor closes the socket
// once the drain phase is over, which makes it the last holder.
func (s *Supervisor) receiveLoop(ctx context.Context, b *boundService, group *tasks.Group, log zerolog.Logger) error {
	handler := b.svc.Datagram()
	name := b.svc.Name()
	conn := b.conn

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	buf := make([]byte, s.cfg.UDPPacketSize)
	var catcher tec.TempErrCatcher
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) || catcher.IsTemporary(err) {
				s.stats.TransientError()
				log.Warn().Err(err).Msg("transient receive error")
				continue
			}
			return &ServiceError{Service: name, Port: b.svc.Port(), Op: "receive", Kind: KindReceive, Err: err}
		}

		s.stats.PacketReceived()
		log.Debug().Stringer("peer", peer).Int("bytes", n).Msg("datagram received")

		// The read buffer is reused; the handler gets its own copy.
		payload := make([]byte, n)
		copy(payload, buf[:n])

		group.Go(name, nil, func() {
			s.stats.HandlerStarted()
			defer s.stats.HandlerFinished()
			handler.OnPacket(ctx, payload, conn, peer)
		})
	}
}
