// Package main implements cspd, the CSP node daemon. It brings up the
// stack with its configured link interfaces, serves the built-in ping
// responder, and optionally exposes prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcarmo/go-csp/internal/config"
	"github.com/rcarmo/go-csp/internal/csp"
	"github.com/rcarmo/go-csp/internal/exporter"
	"github.com/rcarmo/go-csp/internal/iface/loopback"
	"github.com/rcarmo/go-csp/internal/iface/udp"
	"github.com/rcarmo/go-csp/internal/iface/wshub"
	"github.com/rcarmo/go-csp/internal/logging"
)

var (
	appName    = "cspd"
	appVersion = "dev" // injected at build time via -ldflags
)

var logger = logging.Sub("cspd")

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		log.Fatalln(err)
	}
}

// parsedArgs holds the parsed command line arguments
type parsedArgs struct {
	configFile string
	address    string
	logLevel   string
	metrics    string
	ping       string
}

func parseFlags() (parsedArgs, string) {
	return parseFlagsWithArgs(os.Args[1:])
}

// parseFlagsWithArgs parses the given arguments and returns the parsed args.
// Returns an action string if help/version was shown (caller should return early).
func parseFlagsWithArgs(args []string) (parsedArgs, string) {
	fs := flag.NewFlagSet("cspd", flag.ContinueOnError)
	configFlag := fs.String("config", "", "configuration file (YAML)")
	addressFlag := fs.String("address", "", "node address (0-31)")
	logLevelFlag := fs.String("log-level", "", "log level (debug, info, warn, error)")
	metricsFlag := fs.String("metrics", "", "prometheus listen address")
	pingFlag := fs.String("ping", "", "ping the given node address and exit")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(args)

	if *helpFlag {
		fmt.Printf("%s - cubesat network stack daemon\n\n", appName)
		fs.PrintDefaults()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		fmt.Printf("%s %s\n", appName, appVersion)
		return parsedArgs{}, "version"
	}

	return parsedArgs{
		configFile: *configFlag,
		address:    *addressFlag,
		logLevel:   *logLevelFlag,
		metrics:    *metricsFlag,
		ping:       *pingFlag,
	}, ""
}

func run(args parsedArgs) error {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: args.configFile,
		Address:    args.address,
		LogLevel:   args.logLevel,
		Metrics:    args.metrics,
	})
	if err != nil {
		return err
	}
	logging.SetLevelFromString(cfg.Logging.Level)

	stack, err := newStack(cfg)
	if err != nil {
		return err
	}
	stack.Start()
	defer stack.Stop()

	if args.ping != "" {
		return runPing(stack, args.ping)
	}

	if _, err := stack.StartPingResponder(); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, stack)
	}

	logger.Info("%s up: address %d, %d links", appName, cfg.Node.Address, len(cfg.Links.Interfaces))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("%s shutting down", appName)
	return nil
}

func newStack(cfg *config.Config) (*csp.Stack, error) {
	opts := csp.Options{
		Address:        cfg.Node.Address,
		MaxConnections: cfg.Node.MaxConnections,
		BufferCount:    cfg.Node.BufferCount,
		BufferSize:     cfg.Node.BufferSize,
		RxQueueLen:     cfg.Node.RxQueueLen,
		AcceptBacklog:  cfg.Node.AcceptBacklog,
		TickInterval:   time.Duration(cfg.Node.TickIntervalMS) * time.Millisecond,
		RDP: csp.RDPOptions{
			Window:          cfg.RDP.Window,
			ConnTimeoutMS:   cfg.RDP.ConnTimeoutMS,
			PacketTimeoutMS: cfg.RDP.PacketTimeoutMS,
			DelayedAcks:     cfg.RDP.DelayedAcks,
			AckTimeoutMS:    cfg.RDP.AckTimeoutMS,
			AckDelayCount:   cfg.RDP.AckDelayCount,
		},
	}
	stack, err := csp.New(opts)
	if err != nil {
		return nil, err
	}

	stack.AddRoute(cfg.Node.Address, loopback.New(stack))

	for _, l := range cfg.Links.Interfaces {
		var iface csp.Interface
		switch l.Kind {
		case "udp":
			iface, err = udp.New(stack, udp.Config{
				ListenAddr: l.Listen,
				PeerAddr:   l.Peer,
				MTU:        l.MTU,
			})
		case "wshub":
			iface, err = wshub.Dial(stack, l.Peer)
		}
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", l.Kind, err)
		}
		for _, dest := range l.Routes {
			stack.AddRoute(dest, iface)
		}
		if l.Default {
			stack.SetDefaultRoute(iface)
		}
	}
	return stack, nil
}

func runPing(stack *csp.Stack, target string) error {
	dest := uint8(0)
	if _, err := fmt.Sscanf(target, "%d", &dest); err != nil {
		return fmt.Errorf("invalid ping target %q", target)
	}
	rtt, err := stack.Ping(dest, 32, 5*time.Second)
	if err != nil {
		return fmt.Errorf("ping %d: %w", dest, err)
	}
	fmt.Printf("reply from %d: time=%v\n", dest, rtt)
	return nil
}

func serveMetrics(addr string, stack *csp.Stack) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(exporter.NewStackCollector("csp", stack))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server: %v", err)
	}
}
