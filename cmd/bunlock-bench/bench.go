package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
)

// Config controls one benchmark run against the HTTP API.
type Config struct {
	Addr        string
	Concurrency int
	TotalOps    int
	ReadRatio   float64 // 0.0 to 1.0 (e.g. 0.8 for 80% reads)
	GuideID     int64
}

// Report aggregates a run. A write is one optimistic conversation: GET for the
// version, then PUT with If-Match.
type Report struct {
	Duration  time.Duration
	Reads     int
	Writes    int
	Conflicts int
	Errors    int
	Samples   []error
	latencies []float64 // ms
}

// Ops is the number of completed operations.
func (r *Report) Ops() int { return len(r.latencies) }

// Percentile returns the latency in ms at p (0..1).
func (r *Report) Percentile(p float64) float64 {
	if len(r.latencies) == 0 {
		return 0
	}
	i := int(float64(len(r.latencies)) * p)
	if i >= len(r.latencies) {
		i = len(r.latencies) - 1
	}
	return r.latencies[i]
}

func (r *Report) Print(w io.Writer) {
	var total float64
	for _, l := range r.latencies {
		total += l
	}
	avg := 0.0
	if n := r.Ops(); n > 0 {
		avg = total / float64(n)
	}

	fmt.Fprintln(w, "\nResults:")
	fmt.Fprintf(w, "   Duration:    %v\n", r.Duration)
	fmt.Fprintf(w, "   Throughput:  %.2f ops/sec\n", float64(r.Ops())/r.Duration.Seconds())
	fmt.Fprintf(w, "   Reads:       %d\n", r.Reads)
	fmt.Fprintf(w, "   Writes:      %d (conflicts %d)\n", r.Writes, r.Conflicts)
	fmt.Fprintf(w, "   Avg Latency: %.2f ms\n", avg)
	fmt.Fprintf(w, "   P50 Latency: %.2f ms\n", r.Percentile(0.50))
	fmt.Fprintf(w, "   P99 Latency: %.2f ms\n", r.Percentile(0.99))
	fmt.Fprintf(w, "   Errors:      %d\n", r.Errors)
	for _, err := range r.Samples {
		fmt.Fprintf(w, "   Error Sample: %v\n", err)
	}
}

var errConflict = errors.New("conflict")

type benchClient struct {
	http *http.Client
	base string
}

func (c *benchClient) get(ctx context.Context, id int64) (record.Guide, error) {
	var g record.Guide
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/guides/%d", c.base, id), nil)
	if err != nil {
		return g, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return g, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return g, fmt.Errorf("GET guide %d: status %d", id, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return g, fmt.Errorf("decode guide %d: %w", id, err)
	}
	if tag := strings.Trim(resp.Header.Get("ETag"), `"`); tag != "" {
		if v, err := strconv.ParseInt(tag, 10, 64); err == nil {
			g.Version = v
		}
	}
	return g, nil
}

func (c *benchClient) put(ctx context.Context, g record.Guide) error {
	body, err := json.Marshal(g.Fields())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/guides/%d", c.base, g.ID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(g.Version, 10)))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return errConflict
	default:
		return fmt.Errorf("PUT guide %d: status %d", g.ID, resp.StatusCode)
	}
}

type sample struct {
	read    bool
	latency time.Duration
	err     error
}

func runBenchmark(ctx context.Context, cfg Config, hc *http.Client) (*Report, error) {
	if cfg.Concurrency <= 0 || cfg.TotalOps <= 0 {
		return nil, errors.New("concurrency and total ops must be positive")
	}
	cli := &benchClient{http: hc, base: strings.TrimRight(cfg.Addr, "/")}
	if _, err := cli.get(ctx, cfg.GuideID); err != nil {
		return nil, err
	}

	start := time.Now()
	opsPerWorker := cfg.TotalOps / cfg.Concurrency
	samples := make(chan sample, cfg.TotalOps)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

			for j := 0; j < opsPerWorker; j++ {
				if ctx.Err() != nil {
					return
				}
				opStart := time.Now()
				isRead := r.Float64() < cfg.ReadRatio

				g, err := cli.get(ctx, cfg.GuideID)
				if err == nil && !isRead {
					g.Salary++
					err = cli.put(ctx, g)
				}
				samples <- sample{read: isRead, latency: time.Since(opStart), err: err}
			}
		}(i)
	}

	wg.Wait()
	close(samples)

	rep := &Report{Duration: time.Since(start)}
	for s := range samples {
		rep.latencies = append(rep.latencies, float64(s.latency.Microseconds())/1000.0)
		if s.read {
			rep.Reads++
		} else {
			rep.Writes++
		}
		switch {
		case s.err == nil:
		case errors.Is(s.err, errConflict):
			rep.Conflicts++
		default:
			rep.Errors++
			if len(rep.Samples) < 5 {
				rep.Samples = append(rep.Samples, s.err)
			}
		}
	}
	sort.Float64s(rep.latencies)
	return rep, nil
}
