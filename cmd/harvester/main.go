package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/crossretail/harvester/archive"
	"github.com/crossretail/harvester/config"
	"github.com/crossretail/harvester/harvester"
	"github.com/crossretail/harvester/jobs"
	"github.com/crossretail/harvester/logging"
	"github.com/crossretail/harvester/models"
	"github.com/crossretail/harvester/parser"
	"github.com/crossretail/harvester/pipeline"
	"github.com/crossretail/harvester/router"
	"github.com/crossretail/harvester/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search ./ and ./config)")
	urlsFile := flag.String("urls", "", "File with one target URL per line (use - for stdin)")
	site := flag.String("site", "", "Site tag applied to all targets (default: derived from each URL host)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address, overrides config")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging)

	targets, err := collectTargets(*urlsFile, flag.Args())
	if err != nil {
		log.Fatal().Err(err).Msg("reading targets")
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "no target URLs given; pass them as arguments or via -urls")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received, waiting for in-flight work to finish")
	}()

	tr := transport.New(cfg.Transport.Profile, cfg.Transport.Timeout, cfg.Transport.Verify)
	defer tr.Close()

	rt, err := router.New(cfg.Channels, tr)
	if err != nil {
		log.Fatal().Err(err).Msg("initialising router")
	}

	sink, err := buildSink(cfg.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("initialising sink")
	}
	batcher, err := pipeline.NewBatcher(ctx, sink, cfg.Sink.BatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("initialising batcher")
	}

	registry := parser.NewRegistry()
	for _, tag := range siteTags(targets, *site) {
		registry.Register(tag, parser.GenericHTML())
	}

	metrics := harvester.NewMetrics()
	opts := []harvester.Option{harvester.WithMetrics(metrics)}
	if cfg.Archive.Enabled {
		store, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			log.Fatal().Err(err).Msg("initialising archive")
		}
		opts = append(opts, harvester.WithArchive(store))
	}

	h := harvester.New(cfg, rt, batcher, registry, opts...)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server enabled")
	}

	store := jobs.NewStore(cfg.Jobs.Capacity, cfg.Jobs.TTL)
	jobID := uuid.NewString()
	store.Create(jobID)
	store.SetStatus(jobID, models.JobRunning, nil)

	for _, target := range targets {
		tag := *site
		if tag == "" {
			tag = siteTag(target)
		}
		if err := h.Submit(models.NewHarvestRequest(uuid.NewString(), tag, target)); err != nil {
			log.Fatal().Err(err).Msg("submitting request")
		}
	}

	log.Info().
		Int("targets", len(targets)).
		Str("job_id", jobID).
		Int("concurrency", cfg.Dispatch.Concurrency).
		Msg("starting harvest")

	result, runErr := h.Run(ctx)
	if err := h.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("pipeline shutdown failed")
	}

	if runErr != nil {
		store.SetStatus(jobID, models.JobFailed, runErr)
	} else {
		store.SetStatus(jobID, models.JobCompleted, nil)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
		cancel()
	}

	printSummary(result, h.Health(), batcher.Stats())
	if runErr != nil || result.ErrorCount == result.RequestCount {
		os.Exit(1)
	}
}

// collectTargets merges the -urls file (or stdin) with positional arguments.
func collectTargets(urlsFile string, args []string) ([]string, error) {
	targets := append([]string(nil), args...)
	if urlsFile == "" {
		return targets, nil
	}

	var in *os.File
	if urlsFile == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(urlsFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return targets, scanner.Err()
}

func buildSink(cfg config.SinkConfig) (pipeline.Sink, error) {
	switch cfg.Kind {
	case "postgres":
		return pipeline.NewPostgresSink(cfg.DSN, cfg.Table)
	case "jsonl":
		return pipeline.NewJSONLSink(cfg.Path), nil
	case "tee":
		primary, err := pipeline.NewPostgresSink(cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		return pipeline.NewTeeSink(primary, pipeline.NewJSONLSink(cfg.Path)), nil
	default:
		return nil, fmt.Errorf("unsupported sink kind: %s", cfg.Kind)
	}
}

// siteTag derives a site tag from the URL host: the registrable label before
// the public suffix, with any www prefix dropped.
func siteTag(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	labels := strings.Split(host, ".")
	if len(labels) >= 2 {
		return labels[len(labels)-2]
	}
	return host
}

func siteTags(targets []string, fixed string) []string {
	if fixed != "" {
		return []string{fixed}
	}
	seen := make(map[string]struct{})
	var tags []string
	for _, target := range targets {
		tag := siteTag(target)
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func printSummary(result *models.HarvestResult, health []router.ChannelHealth, stats pipeline.Stats) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Harvest complete")

	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.SuccessCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Ingested:      %d (discarded %d)\n", stats.Inserted, stats.Discarded)
	for _, ch := range health {
		fmt.Printf("  Channel %-12s %s (failures: %d)\n", string(ch.Kind)+":", ch.State, ch.Failures)
	}
	fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime))
	fmt.Println(separator)
}
