package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "bunlock server base URL")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	ops := flag.Int("n", 10000, "Total number of operations")
	ratio := flag.Float64("ratio", 0.5, "Read ratio (0.0=Write Only, 1.0=Read Only)")
	id := flag.Int64("id", 1, "Guide id every worker contends on")

	flag.Parse()

	cfg := Config{
		Addr:        *addr,
		Concurrency: *concurrency,
		TotalOps:    *ops,
		ReadRatio:   *ratio,
		GuideID:     *id,
	}

	fmt.Printf("Starting bunlock bench\n")
	fmt.Printf("   Server: %s\n   Workers: %d\n   Total Ops: %d\n   Read Ratio: %.2f\n   Guide: %d\n",
		cfg.Addr, cfg.Concurrency, cfg.TotalOps, cfg.ReadRatio, cfg.GuideID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}
	rep, err := runBenchmark(ctx, cfg, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		os.Exit(1)
	}
	rep.Print(os.Stdout)
}
