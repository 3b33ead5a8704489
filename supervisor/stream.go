package supervisor

import (
	"context"

	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/rs/zerolog"

	"maestro/internal/tasks"
)

// acceptLoop is the stream dispatch loop: wait for the next inbound
// connection, hand it to a handler goroutine that exclusively owns
// it, and immediately resume accepting.  One stuck handler never
// delays the next accept.
func (s *Supervisor) acceptLoop(ctx context.Context, b *boundService, group *tasks.Group, log zerolog.Logger) error {
	handler := b.svc.Stream()
	name := b.svc.Name()

	// Close the listener when the context expires to unblock Accept.
	// Accepted connections are unaffected; their handlers own them.
	stop := context.AfterFunc(ctx, func() { b.Close() }) //nolint:errcheck
	defer stop()
	defer b.Close()

	var catcher tec.TempErrCatcher
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if catcher.IsTemporary(err) {
				s.stats.TransientError()
				log.Warn().Err(err).Msg("transient accept error")
				continue
			}
			// Includes net.ErrClosed outside of shutdown: the socket is
			// gone, the loop cannot continue.
			return &ServiceError{Service: name, Port: b.svc.Port(), Op: "accept", Kind: KindAccept, Err: err}
		}

		s.stats.ConnectionAccepted()
		peer := conn.RemoteAddr()
		log.Debug().Stringer("peer", peer).Msg("connection accepted")

		group.Go(name, conn, func() {
			defer conn.Close() //nolint:errcheck
			s.stats.HandlerStarted()
			defer s.stats.HandlerFinished()
			handler.OnConnection(ctx, conn, peer)
		})
	}
}
