package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	benchDuration       time.Duration
	benchWorkers        int
	benchQPS            int
	benchSize           int64
	benchChunkSize      int64
	benchBaseline       string
	benchThreshold      float64
	benchUpdateBaseline bool
	benchPrometheusURL  string
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench <manifest-id>",
		Short: "Run a range-download load test against published content",
		Long: `Issue concurrent range requests against one manifest and report latency,
time to first byte and throughput. Results can be saved as a baseline and
later runs compared against it.

The file and chunk size are read from V3 manifests. For V4 manifests pass
--size (and --chunk-size when it differs from the default).

Examples:
  vaultctl bench <manifest-id> --duration 1m --workers 8 --update-baseline
  vaultctl bench <manifest-id> --threshold 15 --prometheus-url http://prometheus:9090`,
		Args: cobra.ExactArgs(1),
		RunE: runBenchCmd,
	}
	cmd.Flags().DurationVar(&benchDuration, "duration", 30*time.Second, "test duration")
	cmd.Flags().IntVar(&benchWorkers, "workers", 5, "number of concurrent workers")
	cmd.Flags().IntVar(&benchQPS, "qps", 10, "requests per second per worker")
	cmd.Flags().Int64Var(&benchSize, "size", 0, "plaintext size, required for V4 manifests")
	cmd.Flags().Int64Var(&benchChunkSize, "chunk-size", 1<<20, "chunk size for V4 manifests")
	cmd.Flags().StringVar(&benchBaseline, "baseline", "testdata/baselines/range_bench.json", "baseline file")
	cmd.Flags().Float64Var(&benchThreshold, "threshold", 10.0, "regression threshold percentage")
	cmd.Flags().BoolVar(&benchUpdateBaseline, "update-baseline", false, "write the baseline instead of checking for regression")
	cmd.Flags().StringVar(&benchPrometheusURL, "prometheus-url", "", "Prometheus URL for server-side metrics")
	return cmd
}

// rangeScenario is one kind of range request issued by the bench.
type rangeScenario struct {
	Name       string
	Header     string
	WantStatus int
}

func rangeScenarios(size, chunkSize int64) []rangeScenario {
	kb := int64(1024)
	if size < 2*kb {
		kb = size / 2
	}
	if kb < 1 {
		kb = 1
	}
	boundary := chunkSize
	if boundary >= size {
		boundary = size / 2
	}
	return []rangeScenario{
		{"first_kb", fmt.Sprintf("bytes=0-%d", kb-1), http.StatusPartialContent},
		{"last_kb", fmt.Sprintf("bytes=%d-%d", size-kb, size-1), http.StatusPartialContent},
		{"suffix", fmt.Sprintf("bytes=-%d", kb), http.StatusPartialContent},
		{"cross_chunk", fmt.Sprintf("bytes=%d-%d", max(boundary-kb/2, 0), min(boundary+kb/2, size-1)), http.StatusPartialContent},
		{"large", fmt.Sprintf("bytes=%d-%d", size/4, size/2), http.StatusPartialContent},
		{"invalid", fmt.Sprintf("bytes=%d-", size), http.StatusRequestedRangeNotSatisfiable},
	}
}

// benchResult holds the metrics of one bench run and is the baseline format.
type benchResult struct {
	Timestamp          time.Time        `json:"timestamp"`
	Manifest           string           `json:"manifest"`
	Duration           time.Duration    `json:"duration"`
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	P50Latency         time.Duration    `json:"p50_latency"`
	P95Latency         time.Duration    `json:"p95_latency"`
	P99Latency         time.Duration    `json:"p99_latency"`
	AvgLatency         time.Duration    `json:"avg_latency"`
	MinLatency         time.Duration    `json:"min_latency"`
	MaxLatency         time.Duration    `json:"max_latency"`
	TTFBAvg            time.Duration    `json:"ttfb_avg"`
	TTFBP95            time.Duration    `json:"ttfb_p95"`
	Throughput         float64          `json:"throughput_req_per_sec"`
	BytesReceived      int64            `json:"bytes_received"`
	ErrorRate          float64          `json:"error_rate"`
	Scenarios          map[string]int64 `json:"scenarios"`
}

type benchConfig struct {
	Manifest  string
	Size      int64
	ChunkSize int64
	Workers   int
	QPS       int
	Duration  time.Duration
}

type sample struct {
	latency time.Duration
	ttfb    time.Duration
	bytes   int64
	ok      bool
}

func runBench(ctx context.Context, c *gatewayClient, cfg benchConfig, logger *logrus.Logger) (*benchResult, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("content size must be positive")
	}
	if cfg.Workers <= 0 || cfg.QPS <= 0 {
		return nil, errors.New("workers and qps must be positive")
	}
	scenarios := rangeScenarios(cfg.Size, cfg.ChunkSize)

	logger.WithFields(logrus.Fields{
		"manifest": cfg.Manifest,
		"workers":  cfg.Workers,
		"qps":      cfg.QPS,
		"duration": cfg.Duration,
	}).Info("Starting range bench")

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []sample
		counts  = make(map[string]int64, len(scenarios))
		seq     atomic.Int64
		wg      sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Second / time.Duration(cfg.QPS))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				sc := scenarios[int(seq.Add(1)-1)%len(scenarios)]
				s, err := c.timedRange(ctx, cfg.Manifest, sc)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					logger.WithError(err).WithField("scenario", sc.Name).Debug("Range request failed")
				}
				mu.Lock()
				samples = append(samples, s)
				counts[sc.Name]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	res := summarize(samples, time.Since(start))
	res.Timestamp = time.Now()
	res.Manifest = cfg.Manifest
	res.Scenarios = counts
	return res, nil
}

// timedRange issues one range request and measures latency and time to
// first byte. A response with an unexpected status counts as a failure.
func (c *gatewayClient) timedRange(ctx context.Context, id string, sc rangeScenario) (sample, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/download/"+id, nil)
	if err != nil {
		return sample{}, err
	}
	req.Header.Set("Range", sc.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return sample{latency: time.Since(start)}, err
	}
	defer resp.Body.Close()

	var s sample
	buf := make([]byte, 32<<10)
	n, rerr := resp.Body.Read(buf)
	s.ttfb = time.Since(start)
	rest, cerr := io.CopyBuffer(io.Discard, resp.Body, buf)
	s.latency = time.Since(start)
	s.bytes = int64(n) + rest

	if resp.StatusCode != sc.WantStatus {
		return s, fmt.Errorf("scenario %s: got status %d, want %d", sc.Name, resp.StatusCode, sc.WantStatus)
	}
	if rerr != nil && rerr != io.EOF {
		return s, rerr
	}
	if cerr != nil {
		return s, cerr
	}
	s.ok = true
	return s, nil
}

func summarize(samples []sample, elapsed time.Duration) *benchResult {
	res := &benchResult{Duration: elapsed, TotalRequests: int64(len(samples))}
	if len(samples) == 0 {
		return res
	}

	latencies := make([]time.Duration, 0, len(samples))
	ttfbs := make([]time.Duration, 0, len(samples))
	var total, totalTTFB time.Duration
	for _, s := range samples {
		if s.ok {
			res.SuccessfulRequests++
		} else {
			res.FailedRequests++
		}
		res.BytesReceived += s.bytes
		latencies = append(latencies, s.latency)
		ttfbs = append(ttfbs, s.ttfb)
		total += s.latency
		totalTTFB += s.ttfb
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	sort.Slice(ttfbs, func(i, j int) bool { return ttfbs[i] < ttfbs[j] })

	n := time.Duration(len(samples))
	res.AvgLatency = total / n
	res.TTFBAvg = totalTTFB / n
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P50Latency = percentile(latencies, 0.50)
	res.P95Latency = percentile(latencies, 0.95)
	res.P99Latency = percentile(latencies, 0.99)
	res.TTFBP95 = percentile(ttfbs, 0.95)
	res.ErrorRate = float64(res.FailedRequests) / float64(res.TotalRequests)
	if elapsed > 0 {
		res.Throughput = float64(res.TotalRequests) / elapsed.Seconds()
	}
	return res
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// regressionResult compares a run against its baseline.
type regressionResult struct {
	LatencyChange     float64
	ThroughputChange  float64
	ErrorRateChange   float64 // percentage points
	SignificantChange bool
	Details           []string
}

func analyzeRegression(current, baseline *benchResult, threshold float64) *regressionResult {
	r := &regressionResult{}

	if baseline.AvgLatency > 0 {
		r.LatencyChange = float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		if r.LatencyChange > threshold {
			r.SignificantChange = true
			r.Details = append(r.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", r.LatencyChange, threshold))
		}
	}

	if baseline.Throughput > 0 {
		r.ThroughputChange = (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		if -r.ThroughputChange > threshold {
			r.SignificantChange = true
			r.Details = append(r.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", r.ThroughputChange, threshold))
		}
	}

	r.ErrorRateChange = (current.ErrorRate - baseline.ErrorRate) * 100
	if r.ErrorRateChange > 1 {
		r.SignificantChange = true
		r.Details = append(r.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", r.ErrorRateChange))
	}
	return r
}

func saveBaseline(res *benchResult, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func loadBaseline(path string) (*benchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res benchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	return &res, nil
}

// serverQueries are evaluated at the end of a run when a Prometheus URL is
// given.
var serverQueries = map[string]string{
	"http_p95_seconds":        `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket{path="/download/{id:.+}"}[5m])))`,
	"store_get_p95_seconds":   `histogram_quantile(0.95, sum by (le) (rate(store_operation_duration_seconds_bucket{operation="get"}[5m])))`,
	"chunk_decrypt_p95":       `histogram_quantile(0.95, sum by (le) (rate(chunk_duration_seconds_bucket{operation="decrypt"}[5m])))`,
	"cache_hit_ratio":         `sum(rate(chunk_cache_lookups_total{result="hit"}[5m])) / sum(rate(chunk_cache_lookups_total[5m]))`,
	"key_requests_in_flight":  `max_over_time(key_requests_in_flight[5m])`,
	"memory_alloc_bytes":      `avg_over_time(memory_alloc_bytes[5m])`,
}

func queryPrometheus(ctx context.Context, prometheusURL string, at time.Time) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(client)

	out := make(map[string]float64, len(serverQueries))
	for name, query := range serverQueries {
		value, warnings, err := v1api.Query(ctx, query, at)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		if len(warnings) > 0 {
			logrus.WithField("query", name).Warnf("Prometheus warnings: %v", warnings)
		}
		switch v := value.(type) {
		case model.Vector:
			if len(v) > 0 {
				out[name] = float64(v[0].Value)
			}
		case *model.Scalar:
			out[name] = float64(v.Value)
		}
	}
	return out, nil
}

func printBenchResult(w io.Writer, res *benchResult) {
	fmt.Fprintf(w, "\n=== Range bench: %s ===\n", res.Manifest)
	fmt.Fprintf(w, "Duration:        %v\n", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Requests:        %d (%d ok, %d failed)\n", res.TotalRequests, res.SuccessfulRequests, res.FailedRequests)
	fmt.Fprintf(w, "Error rate:      %.2f%%\n", res.ErrorRate*100)
	fmt.Fprintf(w, "Throughput:      %.2f req/s\n", res.Throughput)
	fmt.Fprintf(w, "Latency avg/p50: %v / %v\n", res.AvgLatency, res.P50Latency)
	fmt.Fprintf(w, "Latency p95/p99: %v / %v\n", res.P95Latency, res.P99Latency)
	fmt.Fprintf(w, "Latency min/max: %v / %v\n", res.MinLatency, res.MaxLatency)
	fmt.Fprintf(w, "TTFB avg/p95:    %v / %v\n", res.TTFBAvg, res.TTFBP95)
	fmt.Fprintf(w, "Received:        %s\n", formatBytes(res.BytesReceived))

	names := make([]string, 0, len(res.Scenarios))
	for name := range res.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-12s %d\n", name, res.Scenarios[name])
	}
}

func runBenchCmd(cmd *cobra.Command, args []string) error {
	logger := logrus.StandardLogger()
	c, err := newGatewayClient(serverURL)
	if err != nil {
		return err
	}

	cfg := benchConfig{
		Manifest:  args[0],
		Size:      benchSize,
		ChunkSize: benchChunkSize,
		Workers:   benchWorkers,
		QPS:       benchQPS,
		Duration:  benchDuration,
	}
	if info, err := c.inspect(cmd.Context(), cfg.Manifest); err == nil && info.File != nil {
		cfg.Size = info.File.Size
		cfg.ChunkSize = info.File.ChunkSize
	} else if err != nil {
		logger.WithError(err).Debug("Manifest inspection failed, using flags")
	}

	res, err := runBench(cmd.Context(), c, cfg, logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printBenchResult(out, res)

	if benchPrometheusURL != "" {
		server, err := queryPrometheus(cmd.Context(), benchPrometheusURL, time.Now())
		if err != nil {
			logger.WithError(err).Warn("Prometheus query failed")
		} else {
			fmt.Fprintln(out, "\n--- Server metrics ---")
			for name, v := range server {
				fmt.Fprintf(out, "  %-24s %g\n", name, v)
			}
		}
	}

	if benchUpdateBaseline {
		if err := saveBaseline(res, benchBaseline); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
		fmt.Fprintf(out, "\nBaseline written to %s\n", benchBaseline)
		return nil
	}

	baseline, err := loadBaseline(benchBaseline)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(out, "\nNo baseline at %s; run with --update-baseline to create one\n", benchBaseline)
		return nil
	}
	if err != nil {
		return err
	}
	reg := analyzeRegression(res, baseline, benchThreshold)
	fmt.Fprintf(out, "\nvs baseline %s: latency %+.2f%%, throughput %+.2f%%, error rate %+.2f pp\n",
		baseline.Timestamp.Format(time.RFC3339), reg.LatencyChange, reg.ThroughputChange, reg.ErrorRateChange)
	if reg.SignificantChange {
		for _, d := range reg.Details {
			fmt.Fprintf(out, "- %s\n", d)
		}
		return errors.New("performance regression detected")
	}
	return nil
}
