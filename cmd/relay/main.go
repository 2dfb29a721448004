package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	relay "github.com/kavero/relay"
	"github.com/kavero/relay/internal/config"
	"github.com/kavero/relay/observer"
	"github.com/kavero/relay/transport/gotd"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode             = flag.String("mode", "download", "run mode: download or forward")
		source           = flag.String("source", "", "source channel reference (required)")
		start            = flag.Int("start", 0, "first message id of the range (inclusive)")
		end              = flag.Int("end", 0, "last message id of the range (inclusive)")
		targets          = flag.String("targets", "", "comma-separated destination channels (forward mode)")
		template         = flag.String("template", "", "caption template (forward mode)")
		batchSize        = flag.Int("batch-size", 0, "album batch size, 1..10 (forward mode)")
		noCleanupSuccess = flag.Bool("no-cleanup-success", false, "retain scratch of fully-distributed units")
		cleanupFailure   = flag.Bool("cleanup-failure", false, "reclaim scratch of failed units too")
		preserve         = flag.Bool("preserve-structure", true, "keep source structure: singles send single, groups send as albums")
		configPath       = flag.String("config", "", "TOML config path (default relay.toml)")
		out              = flag.String("out", "", "download root directory")
		reportPath       = flag.String("report", "", "write the run report JSON to this file")
		verbose          = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	// 1. Logger + config
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cfg := config.Load(*configPath)

	// 2. Resolve spec from flags over config
	spec := relay.RunSpec{
		Mode:              relay.Mode(*mode),
		Source:            *source,
		StartID:           *start,
		EndID:             *end,
		Template:          firstNonEmpty(*template, cfg.Forward.Template),
		BatchSize:         *batchSize,
		PreserveStructure: *preserve && cfg.Forward.PreserveStructure,
		Cleanup: relay.CleanupPolicy{
			OnSuccess: cfg.Forward.CleanupSuccess && !*noCleanupSuccess,
			OnFailure: cfg.Forward.CleanupFailure || *cleanupFailure,
		},
		Pacing:       time.Duration(cfg.Forward.PacingMillis) * time.Millisecond,
		MaxRetries:   cfg.Forward.MaxRetries,
		DownloadRoot: firstNonEmpty(*out, cfg.Download.Root),
		Filter:       buildFilter(cfg.Download),
	}
	if spec.BatchSize == 0 {
		spec.BatchSize = cfg.Forward.BatchSize
	}
	if *targets != "" {
		for _, t := range strings.Split(*targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				spec.Targets = append(spec.Targets, t)
			}
		}
	}
	if err := spec.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		return 2
	}
	if len(cfg.Sessions) == 0 {
		fmt.Fprintln(os.Stderr, "relay: no sessions configured")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Observer (opt-in via config)
	events := relay.NewEmitter()
	defer events.Close()
	var tracer relay.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Error("observer init failed", "error", err)
			return 2
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
		go inst.Consume(ctx, events.Subscribe(256))
		log.Info("OTEL observability enabled")
	}

	// 4. Session pool over the MTProto transport
	limiter := relay.NewLimiter(
		relay.GlobalRate(cfg.RateLimit.GlobalPerMinute),
		relay.ClassRate(relay.ClassDownload, cfg.RateLimit.ClassPerMinute),
		relay.ClassRate(relay.ClassUpload, cfg.RateLimit.ClassPerMinute),
		relay.SessionRate(cfg.RateLimit.SessionPerMinute),
		relay.FloodAbsorbThreshold(time.Duration(cfg.RateLimit.FloodAbsorbSecs)*time.Second),
		relay.LimiterLogger(log))
	pool := relay.NewPool(gotd.NewFactory(cfg.API.ID, cfg.API.Hash), relay.PoolLogger(log))
	for _, s := range cfg.Sessions {
		if err := pool.Add(s.Name, s.AuthFile, s.Enabled); err != nil {
			fmt.Fprintf(os.Stderr, "relay: session %s: %v\n", s.Name, err)
			return 2
		}
	}
	if err := pool.StartEnabled(ctx); err != nil {
		log.Error("no session could log in", "error", err)
		return 2
	}
	defer pool.StopAll(context.Background())

	// 5. Run
	driver := relay.NewDriver(pool, limiter,
		relay.DriverLogger(log),
		relay.DriverEvents(events),
		relay.DriverTracer(tracer))
	report, err := driver.Run(ctx, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		return 2
	}

	// 6. Report
	if *reportPath != "" {
		f, err := os.Create(*reportPath)
		if err != nil {
			log.Error("cannot write report", "path", *reportPath, "error", err)
		} else {
			if werr := report.WriteJSON(f); werr != nil {
				log.Error("report encoding failed", "error", werr)
			}
			f.Close()
		}
	}
	summarize(report)
	return report.ExitCode()
}

// summarize prints the operator-facing one-screen summary.
func summarize(r *relay.RunReport) {
	fmt.Printf("run %s: %s (%.1fs)\n", r.RunID, r.State, r.Duration)
	fmt.Printf("  fetched %d/%d, units %d, success rate %.1f%%, bytes %d\n",
		r.Fetch.Fetched, r.Fetch.Requested, r.Units, r.SuccessRate*100, r.Bytes)
	for _, d := range r.Destinations {
		fmt.Printf("  %s: sent %d, failed %d\n", d.Destination, d.UnitsSent, d.UnitsFailed)
	}
	if len(r.Unreclaimed) > 0 {
		fmt.Printf("  unreclaimed scratch: %d handles\n", len(r.Unreclaimed))
		for _, h := range r.Unreclaimed {
			fmt.Printf("    session %s message %d\n", h.Session, h.MessageID)
		}
	}
	for _, e := range r.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

// buildFilter turns the configured media filters into a predicate, or
// nil when everything is included.
func buildFilter(cfg config.DownloadConfig) relay.Filter {
	if len(cfg.IncludeKinds) == 0 && cfg.MinSizeBytes == 0 && cfg.MaxSizeBytes == 0 {
		return nil
	}
	return func(kind relay.MediaKind, size int64) bool {
		if len(cfg.IncludeKinds) > 0 && !slices.Contains(cfg.IncludeKinds, string(kind)) {
			return false
		}
		if cfg.MinSizeBytes > 0 && size < cfg.MinSizeBytes {
			return false
		}
		if cfg.MaxSizeBytes > 0 && size > cfg.MaxSizeBytes {
			return false
		}
		return true
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
