package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jutper01/openziti-remote-maintenance/internal/audit"
	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/dispatch"
	"github.com/jutper01/openziti-remote-maintenance/internal/handler"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
	"github.com/jutper01/openziti-remote-maintenance/internal/store"
	"github.com/jutper01/openziti-remote-maintenance/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[BOOT] Failed to load config from %q: %v", *configPath, err)
	}

	sink, tap, err := buildAuditSink(cfg.Audit)
	if err != nil {
		log.Fatalf("[BOOT] Failed to open audit sink: %v", err)
	}
	defer sink.Close()

	// The overlay context is constructed exactly once and shared across
	// every binding. Reinitializing it per binding corrupts the overlay's
	// internal state, so nothing below this point creates another.
	tc, err := buildTransport(cfg.Transport)
	if err != nil {
		log.Fatalf("[BOOT] Failed to initialize transport: %v", err)
	}
	defer tc.Close()

	d := dispatch.New(tc, sink, cfg.Limits)

	if cfg.Exec.Enabled {
		if err := d.Bind(protocol.ServiceExec, handler.NewExec(cfg.Exec)); err != nil {
			log.Fatalf("[BOOT] Failed to bind %s: %v", protocol.ServiceExec, err)
		}
	}
	if cfg.Files.Enabled {
		if err := os.MkdirAll(cfg.Files.BaseDir, 0o755); err != nil {
			log.Fatalf("[BOOT] Failed to create files base dir %q: %v", cfg.Files.BaseDir, err)
		}
		if err := d.Bind(protocol.ServiceFiles, handler.NewFiles(cfg.Files)); err != nil {
			log.Fatalf("[BOOT] Failed to bind %s: %v", protocol.ServiceFiles, err)
		}
	}
	if cfg.Forward.Enabled {
		if err := d.Bind(protocol.ServiceForward, handler.NewForward(cfg.Forward, cfg.Limits.MaxTunnels)); err != nil {
			log.Fatalf("[BOOT] Failed to bind %s: %v", protocol.ServiceForward, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if tap != nil {
		go summarize(ctx, tap, cfg.Audit.SummaryInterval())
	}

	log.Printf("[BOOT] opsagent starting (transport=%s)", cfg.Transport.Mode)
	log.Printf("[BOOT] Exec allowlist: %v", cfg.Exec.Allowlist)
	log.Printf("[BOOT] Forward allowlist: hosts=%v ports=%v", cfg.Forward.AllowedHosts, cfg.Forward.AllowedPorts)

	if err := d.Run(ctx); err != nil {
		log.Fatalf("[BOOT] Dispatcher error: %v", err)
	}

	log.Println("[BOOT] opsagent stopped cleanly.")
}

// buildAuditSink assembles the configured audit pipeline: always the JSONL
// log, plus the console summary tap and the Postgres mirror when configured.
func buildAuditSink(cfg config.Audit) (audit.Sink, *audit.Tap, error) {
	logger, err := audit.NewLogger(cfg.LogPath)
	if err != nil {
		return nil, nil, err
	}

	sinks := []audit.Sink{logger}

	var tap *audit.Tap
	if cfg.SummaryIntervalSeconds > 0 {
		tap = audit.NewTap(audit.TapConfig{})
		sinks = append(sinks, tap)
	}

	if cfg.PostgresDSN != "" {
		pg, err := store.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			logger.Close()
			return nil, nil, err
		}
		sinks = append(sinks, pg)
		log.Printf("[BOOT] Audit mirror: postgres enabled")
		logRecentOutcomes(pg)
	}

	if len(sinks) == 1 {
		return logger, nil, nil
	}
	return audit.NewFanout(sinks...), tap, nil
}

// logRecentOutcomes prints the last day's session outcomes at boot so an
// operator attaching to a long-lived agent sees its recent history.
func logRecentOutcomes(pg *store.PostgresStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := pg.Outcomes(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Printf("[AUDIT] Could not read recent outcomes: %v", err)
		return
	}
	if len(counts) == 0 {
		log.Printf("[AUDIT] No sessions recorded in the last 24h")
		return
	}
	log.Printf("[AUDIT] Sessions last 24h: %s", formatCounts(counts))
}

// summarize logs a periodic digest of session outcomes observed through the
// audit tap. Quiet intervals log nothing.
func summarize(ctx context.Context, tap *audit.Tap, interval time.Duration) {
	records, unsubscribe, err := tap.Subscribe()
	if err != nil {
		log.Printf("[AUDIT] Summary disabled: %v", err)
		return
	}
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	counts := make(map[string]int)
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			counts[rec.Outcome]++
		case <-ticker.C:
			if len(counts) == 0 {
				continue
			}
			log.Printf("[AUDIT] Last %s: %s", interval, formatCounts(counts))
			counts = make(map[string]int)
		case <-ctx.Done():
			return
		}
	}
}

func formatCounts(counts map[string]int) string {
	order := []string{
		audit.OutcomeOK, audit.OutcomeDenied, audit.OutcomeError,
		audit.OutcomeTimeout, audit.OutcomePanic, audit.OutcomeCapacity,
	}
	var b strings.Builder
	for _, outcome := range order {
		if n, ok := counts[outcome]; ok {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%d", outcome, n)
		}
	}
	return b.String()
}

// buildTransport constructs the single overlay context for the process.
func buildTransport(cfg config.Transport) (transport.Context, error) {
	switch cfg.Mode {
	case "tcp":
		log.Printf("[BOOT] WARNING: tcp transport provides no authentication — development only")
		return transport.NewTCP(cfg.TCPBindHost, cfg.TCPPorts), nil
	default:
		return transport.LoadZiti(cfg.IdentityPath)
	}
}
