// Package cmd wires up the CLI flags and runs a demo service topology
// under the supervisor.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"maestro/config"
	"maestro/netif"
	"maestro/service"
	"maestro/supervisor"
)

// version is overridable at link time:
//
//	go build -ldflags "-X maestro/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the echo demo topology: one stream and
// one datagram service on the requested interface, until interrupted.
func Execute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("maestro", flag.ContinueOnError)

	// ── topology ─────────────────────────────────────────────────
	iface := fs.StringP("interface", "i", "lo", "Interface name or IP address to bind")
	tcpPort := fs.Int("tcp-port", 8080, "Port for the stream echo service")
	udpPort := fs.Int("udp-port", 5353, "Port for the datagram echo service")
	bindAll := fs.Bool("bind-all", false, "Bind the wildcard address instead of the interface")
	restarts := fs.Bool("restart", false, "Restart failed dispatch loops with backoff")
	dryRun := fs.Bool("dry-run", false, "Validate configuration and exit")

	// ── output ───────────────────────────────────────────────────
	var verbose int
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("maestro %s\n", version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(verbose)

	if *dryRun {
		resolved, err := netif.Resolve(*iface)
		if err != nil {
			return err
		}
		log.Info().Str("iface", resolved.Name).Msg("configuration valid")
		return nil
	}

	// ── build components ─────────────────────────────────────────
	opts := []supervisor.Option{
		supervisor.WithLogger(log),
		supervisor.WithConfig(cfg),
	}
	if *restarts {
		opts = append(opts, supervisor.WithRestartPolicy(supervisor.DefaultRestartPolicy()))
	}
	sup := supervisor.New(opts...)

	var svcOpts []service.Option
	if *bindAll {
		svcOpts = append(svcOpts, service.WithBindMode(service.BindAll()))
	}
	sup.Add(service.TCP(&echoTCP{port: *tcpPort}, svcOpts...))
	sup.Add(service.UDP(&echoUDP{port: *udpPort}, svcOpts...))

	return sup.Run(ctx, *iface)
}

// ── demo handlers ────────────────────────────────────────────────────

type echoTCP struct{ port int }

func (e *echoTCP) Name() string { return "echo-tcp" }
func (e *echoTCP) Port() int    { return e.port }

func (e *echoTCP) OnConnection(_ context.Context, conn net.Conn, _ net.Addr) {
	io.Copy(conn, conn) //nolint:errcheck
}

type echoUDP struct{ port int }

func (e *echoUDP) Name() string { return "echo-udp" }
func (e *echoUDP) Port() int    { return e.port }

func (e *echoUDP) OnPacket(_ context.Context, payload []byte, conn *net.UDPConn, peer *net.UDPAddr) {
	conn.WriteToUDP(payload, peer) //nolint:errcheck
}

// ── helpers ──────────────────────────────────────────────────────────

func newLogger(verbose int) zerolog.Logger {
	level := zerolog.WarnLevel
	switch {
	case verbose >= 3:
		level = zerolog.TraceLevel
	case verbose == 2:
		level = zerolog.DebugLevel
	case verbose == 1:
		level = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Maestro – Network Service Orchestrator v%s

Runs a TCP and a UDP echo service concurrently on one interface,
with graceful shutdown on SIGINT/SIGTERM.

Usage:
  maestro [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  maestro -i eth0 -v                          Echo on eth0
  maestro -i 192.168.1.10 --tcp-port 9000     Bind by owned address
  maestro --bind-all -vv                      All interfaces, debug logs
`)
}
