package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nestjar-serve/internal/nestjar"
	nestjarserve "nestjar-serve/internal/nestjar-serve"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		help        = flag.Bool("h", false, "Show help")
		helpLong    = flag.Bool("help", false, "Show help")
		verbose     = flag.Bool("v", false, "Enable verbose logging (log successful HTTP requests)")
		verboseLong = flag.Bool("verbose", false, "Enable verbose logging (log successful HTTP requests)")
		debug       = flag.Bool("d", false, "Enable debug logging")
		debugLong   = flag.Bool("debug", false, "Enable debug logging")
		quiet       = flag.Bool("q", false, "Only log errors (skipped class path elements are not reported)")
		quietLong   = flag.Bool("quiet", false, "Only log errors (skipped class path elements are not reported)")
	)
	flag.Parse()

	if *help || *helpLong {
		printHelp()
		os.Exit(0)
	}

	verboseEnabled := *verbose || *verboseLong
	debugEnabled := *debug || *debugLong

	cfg, err := nestjarserve.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := nestjarserve.NewLogger(nestjarserve.LoggerOptions{
		Verbose: verboseEnabled,
		Debug:   debugEnabled,
		Quiet:   *quiet || *quietLong,
	})

	reg := prometheus.NewRegistry()
	metrics := nestjarserve.NewMetrics(reg)

	engine := nestjar.NewEngine(nestjar.Options{
		Suffix:             cfg.ArchiveSuffix,
		SpillThreshold:     cfg.SpillThreshold,
		SpillDir:           cfg.SpillDir,
		MaxConcurrentLoads: cfg.MaxConcurrentLoads,
		EntryCacheMaxBytes: cfg.EntryCacheMaxBytes,
		Logger:             logger,
		Metrics:            nestjar.NewMetrics(reg),
	})

	classPath, err := nestjarserve.NewClassPath(cfg, engine, logger, metrics)
	if err != nil {
		logger.Error("Failed to expand class path", "error", err)
		_ = engine.Close()
		os.Exit(1)
	}

	// Retry elements that failed at startup.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	classPath.Start(ctx)

	server := nestjarserve.NewServer(cfg, logger, metrics, engine, classPath, reg)
	server.SetVerbose(verboseEnabled)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    cfg.HTTPMaxHeaderBytes,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
	}()

	snap := classPath.Snapshot()
	logger.Info("Starting nestjar-serve",
		"addr", httpServer.Addr,
		"class_path_elements", len(snap.Elements),
		"roots", len(snap.Roots),
		"skipped", len(snap.Skipped),
	)

	serveErr := httpServer.ListenAndServe()
	if closeErr := engine.Close(); closeErr != nil {
		logger.Error("Failed to release archives", "error", closeErr)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error("Server error", "error", serveErr)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}

func printHelp() {
	// Help output to stdout - if this fails, the program is in a bad state anyway
	_, _ = fmt.Fprintf(os.Stdout, "Usage: %s [flags]\n\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stdout, "Serves entries of archives nested inside class path archives.\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "Flags:\n")
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stdout, "\nEnvironment Variables:\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "Class Path:\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_CLASS_PATH\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Class path elements separated by %q. Archives ending in the suffix are\n", string(os.PathListSeparator))
	_, _ = fmt.Fprintf(os.Stdout, "    expanded into their nested archives unless their manifest declares Premain-Class.\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_FORCE_CLASS_PATH\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Class path elements that are always expanded, even agent archives\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_ARCHIVE_SUFFIX\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Suffix that marks nested archives (default: .jar)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_CLASS_PATH_REFRESH_INTERVAL\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Interval for re-expanding the class path so failed elements are retried (default: 1m)\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Format: Go duration (e.g., 1m, 30s, 0 to disable)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "Nested Archive Access:\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_SPILL_THRESHOLD\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Compressed nested archives larger than this are extracted to a temp file (default: 64MiB)\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Format: bytes or humanized size (e.g., 1048576, 16MiB, 1GB, 0 to keep in memory)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_SPILL_DIR\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Absolute directory for spill files (default: system temp directory)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_MAX_CONCURRENT_LOADS\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Maximum concurrent root scans and extractions (default: 64)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_ENTRY_CACHE_MAX_BYTES\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Memory budget for inflated entry contents (default: 64MiB, 0 to disable)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "HTTP Server Configuration:\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_LISTEN_ADDR\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Listen address (default: :8080)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_HTTP_READ_HEADER_TIMEOUT\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Maximum time to read request headers (default: 5s)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_HTTP_IDLE_TIMEOUT\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Maximum idle connection timeout (default: 60s)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_HTTP_MAX_HEADER_BYTES\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Maximum size of request headers in bytes (default: 8192)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_HTTP_WRITE_TIMEOUT\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Maximum time to write response (default: 0, disabled)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_HTTP_READ_TIMEOUT\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Maximum time to read request body (default: 0, disabled)\n\n")
	_, _ = fmt.Fprintf(os.Stdout, "  NESTJAR_HTTP_TRUSTED_SOURCES\n")
	_, _ = fmt.Fprintf(os.Stdout, "    CSV list of trusted IPs or CIDRs whose X-Forwarded-Host/Proto headers are used\n")
	_, _ = fmt.Fprintf(os.Stdout, "    when building URLs in /classpath.json and listings\n")
	_, _ = fmt.Fprintf(os.Stdout, "    Example: 127.0.0.1/32,10.0.0.0/8\n")
}
