package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "load":
		runLoad(args)
	case "run":
		runClaims(args)
	case "version":
		fmt.Printf("swarm version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`swarm - Conveyor enrollment load tool

Usage:
  swarm <command> [options]

Commands:
  load      Dispatch pending events
  run       Run concurrent workers that enroll and settle jobs
  version   Print version
  help      Show this help

Common Options:
  --hosts         Comma-separated base URLs (default: http://127.0.0.1:5000)
  --key           API key sent as a bearer token
  --timeout       Per-request timeout (default: 10s)
  --threads       Number of concurrent workers

Load Options:
  --events        Number of events to dispatch (default: 10000)
  --topics        Spread events over this many topics (default: 8)

Run Options:
  --source-topic  Source topic pattern (default: swarm.*)
  --target-topic  Target topic (default: swarm.done)
  --sequential    Enroll sequentially per topic (default: false)
  --duration      Maximum time to run (default: until idle)
  --idle-timeout  Stop a worker after this long without work (default: 3s)
  --fail-pct      Percentage of claims reported as failed (default: 0)
  --work-time     Simulated work per claim (default: 2ms)
  --max-retries   Retry ceiling sent with each enrollment (default: server default)

Examples:
  swarm load --hosts=127.0.0.1:5000 --events=10000 --topics=16
  swarm run --hosts=127.0.0.1:5000,127.0.0.1:5001 --threads=64 --fail-pct=10`)
}

func commonFlags(fs *flag.FlagSet, cfg *Config, threads int) {
	fs.StringVar(&cfg.Hosts, "hosts", "http://127.0.0.1:5000", "Comma-separated base URLs")
	fs.StringVar(&cfg.APIKey, "key", "", "API key")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Per-request timeout")
	fs.IntVar(&cfg.Threads, "threads", threads, "Number of concurrent workers")
}

func parseConfig(fs *flag.FlagSet, cfg *Config, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

// interruptContext cancels on SIGINT/SIGTERM and after limit when set
func interruptContext(limit time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if limit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), limit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func runLoad(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	commonFlags(fs, cfg, 10)
	fs.IntVar(&cfg.Events, "events", 10000, "Number of events to dispatch")
	fs.IntVar(&cfg.Topics, "topics", 8, "Number of distinct topics")
	parseConfig(fs, cfg, args)

	ctx, cancel := interruptContext(0)
	defer cancel()

	if err := executeLoad(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
}

func runClaims(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	commonFlags(fs, cfg, 20)
	fs.StringVar(&cfg.SourceTopic, "source-topic", "swarm.*", "Source topic pattern")
	fs.StringVar(&cfg.TargetTopic, "target-topic", "swarm.done", "Target topic")
	fs.BoolVar(&cfg.Sequential, "sequential", false, "Sequential enrollment per topic")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Maximum time to run")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 3*time.Second, "Stop a worker after this long without work")
	fs.IntVar(&cfg.FailPct, "fail-pct", 0, "Percentage of claims reported as failed")
	fs.DurationVar(&cfg.WorkTime, "work-time", 2*time.Millisecond, "Simulated work per claim")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 0, "Retry ceiling (0 = server default)")
	parseConfig(fs, cfg, args)

	ctx, cancel := interruptContext(cfg.Duration)
	defer cancel()

	if err := executeRun(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}
}

func executeLoad(ctx context.Context, cfg *Config) error {
	client, err := NewClient(cfg.HostList(), cfg.APIKey, cfg.Timeout)
	if err != nil {
		return err
	}

	fmt.Printf("Dispatching %d events over %d topics with %d threads\n", cfg.Events, cfg.Topics, cfg.Threads)

	stats := NewStats()
	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, stats)

	start := time.Now()
	var wg sync.WaitGroup
	per := (cfg.Events + cfg.Threads - 1) / cfg.Threads
	for i := 0; i < cfg.Threads; i++ {
		from := i * per
		to := min(from+per, cfg.Events)
		if from >= to {
			break
		}
		wg.Add(1)
		go NewWorker(i, client, stats, cfg).RunLoad(ctx, from, to, cfg.Topics, &wg)
	}
	wg.Wait()
	stopReport()

	stats.PrintFinal(time.Since(start))
	if snap := stats.GetSnapshot(); snap.Errors > 0 {
		return fmt.Errorf("%d dispatch errors", snap.Errors)
	}
	return nil
}

func executeRun(ctx context.Context, cfg *Config) error {
	client, err := NewClient(cfg.HostList(), cfg.APIKey, cfg.Timeout)
	if err != nil {
		return err
	}

	fmt.Printf("Running %d workers: %s -> %s (sequential=%v)\n",
		cfg.Threads, cfg.SourceTopic, cfg.TargetTopic, cfg.Sequential)

	stats := NewStats()
	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, stats)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go NewWorker(i, client, stats, cfg).RunClaims(ctx, cfg.IdleTimeout, &wg)
	}
	wg.Wait()
	stopReport()

	stats.PrintFinal(time.Since(start))
	if d := stats.Duplicates(); d > 0 {
		return fmt.Errorf("%d sources were claimed twice concurrently", d)
	}
	return nil
}
