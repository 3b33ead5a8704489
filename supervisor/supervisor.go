// Package supervisor turns a set of registered network services into
// live, concurrently-running accept/receive loops behind a single
// lifecycle.
//
// A Supervisor owns the whole arc: resolve the bind interface once,
// bind every service all-or-nothing, run one dispatch loop per
// service, fan each unit of traffic out to an independent handler
// goroutine, and on cancellation or a fatal loop error shut the whole
// topology down with a bounded drain.
//
//	sup := supervisor.New(supervisor.WithLogger(log))
//	sup.Add(service.TCP(myStreamHandler))
//	sup.Add(service.UDP(myPacketHandler))
//	err := sup.Run(ctx, "eth0")
//
// Run returns nil after a clean, cancellation-driven stop; any other
// outcome is an error identifying the service that failed and why.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"maestro/config"
	"maestro/internal/tasks"
	"maestro/netif"
	"maestro/service"
)

// Supervisor orchestrates the lifecycle of multiple network services.
// Register services with Add, then call Run once.
type Supervisor struct {
	cfg    config.Config
	log    zerolog.Logger
	clk    clock.Clock
	policy RestartPolicy
	stats  *Stats

	mu       sync.Mutex
	services []service.Service
	state    atomic.Int32
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.  The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithConfig overrides the default tunables.
func WithConfig(cfg config.Config) Option {
	return func(s *Supervisor) { s.cfg = cfg }
}

// WithClock injects the time source used for drain and restart
// timing.  Tests pass a mock.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clk = clk }
}

// WithRestartPolicy enables supervised restarts of failed dispatch
// loops.  Without it the first fatal loop error fails the run.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// New creates an idle Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:   config.Default(),
		log:   zerolog.Nop(),
		clk:   clock.New(),
		stats: &Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a service.  Registration order is preserved and
// determines bind order (and therefore which service is named when a
// bind conflict aborts startup).  Duplicate (protocol, port) pairs
// are accepted here; the conflict surfaces at bind time, since a
// stream and a datagram service may legitimately share a port number.
//
// Add panics with ErrRegistrationAfterStart once Run has begun.
func (s *Supervisor) Add(svc service.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateIdle {
		panic(ErrRegistrationAfterStart)
	}
	s.services = append(s.services, svc)
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the runtime counters.
func (s *Supervisor) Stats() Snapshot {
	return s.stats.Snapshot()
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run resolves identifier, binds every registered service, and
// blocks dispatching traffic until ctx is cancelled or a loop fails
// fatally.  It returns nil only after a clean stop.
//
// Startup is all-or-nothing: a resolution failure has zero side
// effects, and a bind failure closes every socket opened in the
// attempt before returning.  A Supervisor is single-use; a second
// call returns ErrAlreadyStarted.
func (s *Supervisor) Run(ctx context.Context, identifier string) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrAlreadyStarted
	}

	log := s.log.With().Str("run_id", uuid.NewString()).Logger()

	iface, err := netif.Resolve(identifier)
	if err != nil {
		s.setState(StateFailed)
		log.Error().Err(err).Str("identifier", identifier).Msg("interface resolution failed")
		return err
	}
	log = log.With().Str("iface", iface.Name).Logger()

	s.mu.Lock()
	services := s.services
	s.mu.Unlock()

	if len(services) == 0 {
		log.Warn().Msg("no services registered, exiting immediately")
		s.setState(StateStopped)
		return nil
	}

	bound, err := s.bindAll(ctx, iface, log)
	if err != nil {
		s.setState(StateFailed)
		log.Error().Err(err).Msg("startup aborted, all sockets rolled back")
		return err
	}

	s.setState(StateRunning)
	log.Info().Int("services", len(bound)).Msg("supervisor running")

	group := tasks.NewGroup(s.clk, func(label string, r any) {
		s.stats.HandlerFailed()
		log.Error().Str("service", label).Interface("panic", r).Msg("handler failure")
	})

	ctx = service.ContextWithInterface(ctx, iface)
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bound {
		b := b
		g.Go(func() error {
			return s.superviseLoop(gctx, b, iface, group, log)
		})
	}

	// Blocks until every loop has exited: cleanly after cancellation,
	// or because one failed fatally (which cancels the siblings).
	runErr := g.Wait()

	s.setState(StateStopping)
	if !group.Drain(s.cfg.DrainTimeout) {
		log.Warn().
			Dur("timeout", s.cfg.DrainTimeout).
			Int64("abandoned", group.Active()).
			Msg("drain timeout exceeded, abandoning handlers")
	}

	// Datagram sockets stay open through the drain so in-flight
	// handlers can reply; every socket is released here at the latest.
	var closeErr error
	for _, b := range bound {
		closeErr = multierr.Append(closeErr, b.Close())
	}
	if closeErr != nil {
		log.Debug().Err(closeErr).Msg("socket close errors at shutdown")
	}

	if runErr != nil {
		s.setState(StateFailed)
		log.Error().Err(runErr).Msg("supervisor failed")
		return runErr
	}
	s.setState(StateStopped)
	log.Info().Msg("supervisor stopped")
	return nil
}

// superviseLoop runs one service's dispatch loop, rebinding and
// retrying under the restart policy before declaring its error fatal.
// A nil return means the loop ended because of cancellation.
func (s *Supervisor) superviseLoop(ctx context.Context, b *boundService, iface *netif.Interface, group *tasks.Group, log zerolog.Logger) error {
	loopLog := log.With().Str("service", b.svc.Name()).Int("port", b.svc.Port()).Logger()

	attempts := 0
	for {
		err := s.serve(ctx, b, group, loopLog)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if attempts >= s.policy.MaxAttempts {
			return err
		}
		attempts++

		delay := s.policy.delay(attempts)
		loopLog.Warn().Err(err).
			Int("attempt", attempts).
			Int("max_attempts", s.policy.MaxAttempts).
			Dur("delay", delay).
			Msg("dispatch loop failed, restarting")

		b.Close() //nolint:errcheck // the socket is already dead

		timer := s.clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		fresh, bindErr := s.bindService(ctx, b.svc, iface, loopLog)
		if bindErr != nil {
			return multierr.Append(err, bindErr)
		}
		b.rebind(fresh)
	}
}

func (s *Supervisor) serve(ctx context.Context, b *boundService, group *tasks.Group, log zerolog.Logger) error {
	if b.svc.Kind() == service.KindUDP {
		return s.receiveLoop(ctx, b, group, log)
	}
	return s.acceptLoop(ctx, b, group, log)
}
