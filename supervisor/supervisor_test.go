package supervisor

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/tasks"
	"maestro/netif"
	"maestro/service"
	"maestro/util"
)

// ── test handlers ────────────────────────────────────────────────────

type echoTCP struct {
	name string
	port int
}

func (e *echoTCP) Name() string { return e.name }
func (e *echoTCP) Port() int    { return e.port }

func (e *echoTCP) OnConnection(_ context.Context, conn net.Conn, _ net.Addr) {
	io.Copy(conn, conn) //nolint:errcheck
}

type echoUDP struct {
	name string
	port int
}

func (e *echoUDP) Name() string { return e.name }
func (e *echoUDP) Port() int    { return e.port }

func (e *echoUDP) OnPacket(_ context.Context, payload []byte, conn *net.UDPConn, peer *net.UDPAddr) {
	conn.WriteToUDP(payload, peer) //nolint:errcheck
}

// slowTCP greets immediately, then blocks until released.
type slowTCP struct {
	name    string
	port    int
	release chan struct{}
}

func (s *slowTCP) Name() string { return s.name }
func (s *slowTCP) Port() int    { return s.port }

func (s *slowTCP) OnConnection(_ context.Context, conn net.Conn, _ net.Addr) {
	conn.Write([]byte("hi")) //nolint:errcheck
	<-s.release
}

// ── helpers ──────────────────────────────────────────────────────────

// startSupervisor runs sup against the loopback address and blocks
// until it is accepting traffic.  The returned stop function cancels
// the run and returns Run's error.
func startSupervisor(t *testing.T, sup *Supervisor) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, "127.0.0.1") }()

	require.Eventually(t, func() bool {
		st := sup.State()
		return st == StateRunning || st == StateFailed
	}, 2*time.Second, 5*time.Millisecond, "supervisor never left startup")
	require.Equal(t, StateRunning, sup.State())

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
			return nil
		}
	}
}

func dialAndEcho(t *testing.T, port int, payload []byte) []byte {
	t.Helper()

	conn, err := net.DialTimeout("tcp", util.FormatAddr("127.0.0.1", port), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	return got
}

// ── lifecycle ────────────────────────────────────────────────────────

func TestRun_EmptyRegistryStopsImmediately(t *testing.T) {
	sup := New()
	require.NoError(t, sup.Run(context.Background(), "127.0.0.1"))
	assert.Equal(t, StateStopped, sup.State())
}

func TestRun_SecondCallRejected(t *testing.T) {
	sup := New()
	require.NoError(t, sup.Run(context.Background(), "127.0.0.1"))

	err := sup.Run(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestAdd_AfterStartPanics(t *testing.T) {
	sup := New()
	require.NoError(t, sup.Run(context.Background(), "127.0.0.1"))

	defer func() {
		assert.Equal(t, ErrRegistrationAfterStart, recover())
	}()
	sup.Add(service.TCP(&echoTCP{name: "late", port: 1234}))
}

func TestRun_UnknownInterfaceHasNoSideEffects(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "echo", port: port}))

	err = sup.Run(context.Background(), "definitely-not-a-nic-0")
	require.Error(t, err)
	assert.True(t, IsInterfaceNotFound(err))
	assert.Equal(t, StateFailed, sup.State())

	// Nothing was bound: the port is still free.
	ln, err := net.Listen("tcp", util.FormatAddr("127.0.0.1", port))
	require.NoError(t, err, "resolution failure must leave no sockets behind")
	ln.Close()
}

// ── bind phase ───────────────────────────────────────────────────────

func TestRun_BindConflictRollsBackEverything(t *testing.T) {
	freePort, err := util.FindFreePort()
	require.NoError(t, err)
	takenPort, err := util.FindFreePort()
	require.NoError(t, err)

	// Occupy the second service's port so its bind fails after the
	// first service has already bound.
	occupier, err := net.Listen("tcp", util.FormatAddr("127.0.0.1", takenPort))
	require.NoError(t, err)
	defer occupier.Close()

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "first", port: freePort}))
	sup.Add(service.TCP(&echoTCP{name: "second", port: takenPort}))

	err = sup.Run(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, StateFailed, sup.State())

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "second", svcErr.Service)
	assert.Equal(t, takenPort, svcErr.Port)
	assert.Equal(t, KindAddressInUse, svcErr.Kind)

	// The first service's socket was rolled back, so its port binds.
	ln, err := net.Listen("tcp", util.FormatAddr("127.0.0.1", freePort))
	require.NoError(t, err, "aborted startup must release every bound socket")
	ln.Close()
}

func TestRun_DuplicateStreamPortsConflictAtStart(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	// Registration accepts the duplicate; the conflict must surface
	// at bind time, naming the second service in registration order.
	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "first", port: port}))
	sup.Add(service.TCP(&echoTCP{name: "second", port: port}))

	err = sup.Run(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, StateFailed, sup.State())

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "second", svcErr.Service)
	assert.Equal(t, port, svcErr.Port)
	assert.Equal(t, KindAddressInUse, svcErr.Kind)

	// The first service's socket was rolled back.
	ln, err := net.Listen("tcp", util.FormatAddr("127.0.0.1", port))
	require.NoError(t, err)
	ln.Close()
}

func TestRun_ReusePortOptInAllowsSharing(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "shard-a", port: port}, service.WithReusePort()))
	sup.Add(service.TCP(&echoTCP{name: "shard-b", port: port}, service.WithReusePort()))

	stop := startSupervisor(t, sup)
	assert.Equal(t, []byte("shared"), dialAndEcho(t, port, []byte("shared")))
	require.NoError(t, stop())
}

func TestRun_PortOutOfRangeFailsBind(t *testing.T) {
	for _, port := range []int{70000, -1} {
		sup := New()
		sup.Add(service.TCP(&echoTCP{name: "oob", port: port}))

		err := sup.Run(context.Background(), "127.0.0.1")
		require.Error(t, err)
		assert.Equal(t, StateFailed, sup.State())

		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, KindBindFailed, svcErr.Kind)
		assert.Equal(t, port, svcErr.Port, "error must carry the declared port, not a truncation")
	}
}

func TestRun_TCPAndUDPShareAPortNumber(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "stream", port: port}))
	sup.Add(service.UDP(&echoUDP{name: "datagram", port: port}))

	stop := startSupervisor(t, sup)
	assert.Equal(t, []byte("both"), dialAndEcho(t, port, []byte("both")))
	require.NoError(t, stop())
}

// ── dispatch ─────────────────────────────────────────────────────────

func TestRun_TCPEcho(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "echo", port: port}))
	stop := startSupervisor(t, sup)

	payload := []byte("hello over tcp")
	assert.Equal(t, payload, dialAndEcho(t, port, payload))

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, sup.State())

	snap := sup.Stats()
	assert.EqualValues(t, 1, snap.ConnectionsAccepted)
	assert.Zero(t, snap.HandlerFailures)
}

func TestRun_UDPEchoExactPayload(t *testing.T) {
	port, err := util.FindFreeUDPPort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.UDP(&echoUDP{name: "echo-udp", port: port}))
	stop := startSupervisor(t, sup)

	conn, err := net.Dial("udp", util.FormatAddr("127.0.0.1", port))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte{0xde, 0xad, 0xbf}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	got := make([]byte, 64)
	n, err := conn.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:n], "reply must carry exactly the received bytes")

	require.NoError(t, stop())
	assert.EqualValues(t, 1, sup.Stats().PacketsReceived)
}

func TestRun_SlowHandlerDoesNotBlockAccept(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	handler := &slowTCP{name: "slow", port: port, release: make(chan struct{})}
	defer close(handler.release)

	sup := New()
	sup.Add(service.TCP(handler))
	stop := startSupervisor(t, sup)

	greet := func() net.Conn {
		conn, err := net.DialTimeout("tcp", util.FormatAddr("127.0.0.1", port), time.Second)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		buf := make([]byte, 2)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		return conn
	}

	// The first handler is stuck in OnConnection; the second client
	// must still be served promptly.
	first := greet()
	defer first.Close()

	start := time.Now()
	second := greet()
	second.Close()
	assert.Less(t, time.Since(start), time.Second, "a stuck handler must not delay the next accept")

	handler.release <- struct{}{}
	handler.release <- struct{}{}
	require.NoError(t, stop())
}

func TestRun_ConcurrentUDPHandlers(t *testing.T) {
	port, err := util.FindFreeUDPPort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.UDP(&echoUDP{name: "echo-udp", port: port}))
	stop := startSupervisor(t, sup)

	conn, err := net.Dial("udp", util.FormatAddr("127.0.0.1", port))
	require.NoError(t, err)
	defer conn.Close()

	for i := byte(0); i < 5; i++ {
		_, err = conn.Write([]byte{i})
		require.NoError(t, err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	seen := map[byte]bool{}
	buf := make([]byte, 16)
	for len(seen) < 5 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		seen[buf[0]] = true
	}

	require.NoError(t, stop())
	assert.EqualValues(t, 5, sup.Stats().PacketsReceived)
}

func TestRun_HandlerPanicIsIsolated(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&panicTCP{port: port}))
	stop := startSupervisor(t, sup)

	// First connection panics its handler; the service keeps serving.
	c1, err := net.DialTimeout("tcp", util.FormatAddr("127.0.0.1", port), time.Second)
	require.NoError(t, err)
	c1.Close()

	require.Eventually(t, func() bool {
		return sup.Stats().HandlerFailures == 1
	}, 2*time.Second, 5*time.Millisecond)

	c2, err := net.DialTimeout("tcp", util.FormatAddr("127.0.0.1", port), time.Second)
	require.NoError(t, err)
	c2.Close()

	require.NoError(t, stop())
	assert.EqualValues(t, 2, sup.Stats().ConnectionsAccepted)
}

type panicTCP struct{ port int }

func (p *panicTCP) Name() string { return "panicky" }
func (p *panicTCP) Port() int    { return p.port }

func (p *panicTCP) OnConnection(context.Context, net.Conn, net.Addr) {
	panic("unhandled in handler")
}

// ── shutdown ─────────────────────────────────────────────────────────

func TestRun_CancelStopsAllServices(t *testing.T) {
	tcpPort, err := util.FindFreePort()
	require.NoError(t, err)
	udpPort, err := util.FindFreeUDPPort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "t", port: tcpPort}))
	sup.Add(service.UDP(&echoUDP{name: "u", port: udpPort}))
	stop := startSupervisor(t, sup)

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, sup.State())

	// Every socket is released after the stop.
	ln, err := net.Listen("tcp", util.FormatAddr("127.0.0.1", tcpPort))
	require.NoError(t, err)
	ln.Close()
	pc, err := net.ListenPacket("udp", util.FormatAddr("127.0.0.1", udpPort))
	require.NoError(t, err)
	pc.Close()
}

func TestRun_SpecificBindModePlacesSocket(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "pinned", port: port},
		service.WithBindMode(service.Specific(netip.MustParseAddr("127.0.0.1")))))
	stop := startSupervisor(t, sup)

	assert.Equal(t, []byte("pin"), dialAndEcho(t, port, []byte("pin")))
	require.NoError(t, stop())
}

// ── restart policy ───────────────────────────────────────────────────

func TestSuperviseLoop_RebindsAfterFatalError(t *testing.T) {
	iface, err := netif.Resolve("127.0.0.1")
	require.NoError(t, err)
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New(WithRestartPolicy(RestartPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Multiplier:  2.0,
	}))
	svc := service.TCP(&echoTCP{name: "flaky", port: port})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := sup.bindService(ctx, svc, iface, sup.log)
	require.NoError(t, err)

	ln := b.ln
	group := tasks.NewGroup(sup.clk, nil)
	done := make(chan error, 1)
	go func() { done <- sup.superviseLoop(ctx, b, iface, group, sup.log) }()

	// Yank the listener out from under the loop: a fatal accept error
	// outside of shutdown, which the policy must recover by rebinding.
	require.Equal(t, []byte("up"), dialAndEcho(t, port, []byte("up")))
	ln.Close() //nolint:errcheck

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", util.FormatAddr("127.0.0.1", port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "loop must rebind the port after the fatal error")

	cancel()
	require.NoError(t, <-done, "cancellation after recovery is a clean exit")
	group.Drain(time.Second)
}

func TestSuperviseLoop_NoPolicyFailsOnFirstFatalError(t *testing.T) {
	iface, err := netif.Resolve("127.0.0.1")
	require.NoError(t, err)
	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	svc := service.TCP(&echoTCP{name: "fragile", port: port})

	ctx := context.Background()
	b, err := sup.bindService(ctx, svc, iface, sup.log)
	require.NoError(t, err)

	ln := b.ln
	group := tasks.NewGroup(sup.clk, nil)
	done := make(chan error, 1)
	go func() { done <- sup.superviseLoop(ctx, b, iface, group, sup.log) }()

	ln.Close() //nolint:errcheck

	var svcErr *ServiceError
	require.ErrorAs(t, <-done, &svcErr)
	assert.Equal(t, "fragile", svcErr.Service)
	assert.Equal(t, KindAccept, svcErr.Kind)
}

func TestRun_LiteralAddressResolvesToOwningInterface(t *testing.T) {
	iface, err := netif.Resolve("127.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, iface.Name)

	port, err := util.FindFreePort()
	require.NoError(t, err)

	sup := New()
	sup.Add(service.TCP(&echoTCP{name: "echo", port: port}))
	stop := startSupervisor(t, sup)
	assert.Equal(t, []byte("ok"), dialAndEcho(t, port, []byte("ok")))
	require.NoError(t, stop())
}
