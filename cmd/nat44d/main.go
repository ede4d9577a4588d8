// nat44d: stateful IPv4 NAT daemon.
// Attaches to a TUN device and translates traffic between an internal
// network and a NAT address, with rule-based bypass and port forwarding.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edgenat/nat44/config"
	"github.com/edgenat/nat44/ipc"
	"github.com/edgenat/nat44/nat"
	"github.com/edgenat/nat44/tun"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "reset":
			runResetCommand(os.Args[2:])
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	configPath := flag.String("config", "nat44d.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nat44d v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	run(*configPath, *verbose)
}

func run(configPath string, verbose bool) {
	logger := setupLogger(verbose)
	defer logger.Sync()

	logger.Info("nat44d starting", zap.String("version", version))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("path", configPath),
		zap.String("nat_ip", cfg.NATIP.String()),
		zap.String("internal_network", cfg.InternalNetwork.String()),
		zap.Int("rules", len(cfg.Rules)),
		zap.Int("port_forwards", len(cfg.PortForwards)),
	)

	device, err := tun.Open(cfg.TUNDevice)
	if err != nil {
		logger.Fatal("failed to open TUN device", zap.String("device", cfg.TUNDevice), zap.Error(err))
	}
	logger.Info("TUN device opened", zap.String("device", device.Name()))

	engine := nat.NewEngine(cfg, device,
		nat.WithLogger(logger.Named("engine")),
		nat.WithSweepInterval(cfg.SweepInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Now()

	ipcServer := ipc.NewServer(cfg.IPCAddr, &statusHandler{
		engine:    engine,
		cfg:       cfg,
		startTime: startTime,
	})
	if err := ipcServer.Start(); err != nil {
		logger.Warn("failed to start IPC server", zap.Error(err))
	} else {
		logger.Info("IPC server listening", zap.String("addr", ipcServer.Addr()))
	}
	defer ipcServer.Stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server failed", zap.Error(err))
			}
		}()
	}

	watcher := config.NewWatcher(configPath, logger.Named("config"), func(newCfg *config.Config) error {
		return engine.UpdateRules(newCfg)
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("failed to start config watcher", zap.Error(err))
	} else {
		logger.Info("configuration hot-reload enabled", zap.String("path", configPath))
	}
	defer watcher.Stop()

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	engine.Stop()
	cancel()

	processed, translated, bypassed, dropped := engine.Stats()
	logger.Info("final statistics",
		zap.Uint64("processed", processed),
		zap.Uint64("translated", translated),
		zap.Uint64("bypassed", bypassed),
		zap.Uint64("dropped", dropped),
		zap.Int("sessions", engine.SessionCount()),
	)
	logger.Info("nat44d stopped")
}

func setupLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// statusHandler bridges the IPC server to the engine.
type statusHandler struct {
	engine    *nat.Engine
	cfg       *config.Config
	startTime time.Time
}

func (h *statusHandler) Status() *ipc.StatusResponse {
	processed, translated, bypassed, dropped := h.engine.Stats()
	uptime := time.Since(h.startTime)

	resp := &ipc.StatusResponse{
		Running:          true,
		Uptime:           uptime,
		UptimeStr:        formatDuration(uptime),
		PacketsProcessed: processed,
		PacketsNATted:    translated,
		PacketsBypassed:  bypassed,
		PacketsDropped:   dropped,
		ActiveSessions:   h.engine.SessionCount(),
		NATIP:            h.cfg.NATIP.String(),
		InternalNetwork:  h.cfg.InternalNetwork.String(),
	}

	for _, s := range h.engine.Sessions() {
		resp.Sessions = append(resp.Sessions, ipc.SessionInfo{
			Protocol:  s.Protocol,
			Lookup:    s.Lookup,
			Mapped:    s.Mapped,
			ExpiresIn: s.ExpiresIn,
		})
	}
	for _, r := range h.engine.ForwardRules() {
		resp.PortForwards = append(resp.PortForwards, ipc.ForwardInfo{
			Name:         r.Name,
			Protocol:     r.Protocol.String(),
			ExternalPort: r.ExternalPort,
			Backend:      r.Backend.String(),
		})
	}
	return resp
}

func (h *statusHandler) ResetSessions() {
	h.engine.SessionTable().Reset()
}

func ipcAddrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", ipc.DefaultAddr, "IPC address of the running daemon")
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := ipcAddrFlag(fs)
	fs.Parse(args)

	client := ipc.NewClient(*addr)
	status, err := client.GetStatus()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("nat44d Status\n")
	fmt.Printf("=============\n\n")
	fmt.Printf("Status:           Running\n")
	fmt.Printf("Uptime:           %s\n", status.UptimeStr)
	fmt.Printf("NAT IP:           %s\n", status.NATIP)
	fmt.Printf("Internal Network: %s\n\n", status.InternalNetwork)

	fmt.Printf("Packet Statistics\n")
	fmt.Printf("-----------------\n")
	fmt.Printf("Processed:  %d\n", status.PacketsProcessed)
	fmt.Printf("NATted:     %d\n", status.PacketsNATted)
	fmt.Printf("Bypassed:   %d\n", status.PacketsBypassed)
	fmt.Printf("Dropped:    %d\n\n", status.PacketsDropped)

	fmt.Printf("Sessions: %d active\n", status.ActiveSessions)

	if len(status.PortForwards) > 0 {
		fmt.Printf("\nPort Forwards\n")
		fmt.Printf("-------------\n")
		for _, f := range status.PortForwards {
			fmt.Printf("%-16s %s/%d -> %s\n", f.Name, f.Protocol, f.ExternalPort, f.Backend)
		}
	}

	if len(status.Sessions) > 0 {
		fmt.Printf("\nSession Table (showing up to 20 entries)\n")
		fmt.Printf("----------------------------------------\n")
		fmt.Printf("%-6s %-44s %-44s %s\n", "Proto", "Lookup", "Mapped", "TTL")
		shown := 0
		for _, s := range status.Sessions {
			if shown >= 20 {
				fmt.Printf("... and %d more\n", len(status.Sessions)-20)
				break
			}
			fmt.Printf("%-6s %-44s %-44s %s\n", s.Protocol, s.Lookup, s.Mapped, formatSeconds(s.ExpiresIn))
			shown++
		}
	}
}

func runResetCommand(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	addr := ipcAddrFlag(fs)
	fs.Parse(args)

	client := ipc.NewClient(*addr)
	if err := client.ResetSessions(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Session table cleared.")
}

func printUsage() {
	fmt.Printf(`nat44d v%s - stateful IPv4 NAT daemon

Usage:
  nat44d [flags]            Run the NAT daemon (foreground)
  nat44d status [-addr a]   Show status of the running daemon
  nat44d reset [-addr a]    Clear the running daemon's session table
  nat44d help               Show this help message

Run Flags:
  -config string   Path to configuration file (default "nat44d.yaml")
  -verbose         Enable debug logging
  -version         Show version information

Examples:
  # Run in foreground
  nat44d -config /etc/nat44d/nat44d.yaml -verbose

  # Inspect the running daemon
  nat44d status
  nat44d reset
`, version)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatSeconds(s int64) string {
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
}
