package api_test

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"
)

// Configuration from environment
var (
	apiURL      = getEnv("EVIDENCE_API_URL", "http://localhost:8080")
	numCalls    = getEnvInt("PERF_NUM_CALLS", 10000)
	concurrency = getEnvInt("PERF_CONCURRENCY", 10)
)

// BenchmarkListRecords measures record listing against a running
// `evidence serve`. Disable the API rate limit (API_RATE_LIMIT=0) first.
//
// Usage:
//
//	EVIDENCE_API_URL=http://localhost:8080 go test ./perf_tests/api -bench=BenchmarkListRecords
func BenchmarkListRecords(b *testing.B) {
	skipUnlessRunning(b)

	var totalBytes int64
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		n, status, err := fetch(apiURL + "/api/v1/records?limit=100")
		if err != nil {
			b.Fatalf("request failed: %v", err)
		}
		if status != http.StatusOK {
			b.Fatalf("unexpected status: %d", status)
		}
		totalBytes += n
	}

	b.StopTimer()
	elapsed := b.Elapsed()
	b.ReportMetric(float64(b.N)/elapsed.Seconds(), "ops/sec")
	b.ReportMetric(float64(totalBytes)/elapsed.Seconds()/1024/1024, "MB/s")
}

// TestStatusConcurrent hammers the status endpoint from several clients
func TestStatusConcurrent(t *testing.T) {
	skipUnlessRunning(t)

	t.Logf("Concurrent status test: %d calls, %d clients, %s", numCalls, concurrency, apiURL)

	start := time.Now()
	perWorker := numCalls / concurrency
	done := make(chan workerStats, concurrency)

	for w := 0; w < concurrency; w++ {
		go func() {
			var stats workerStats
			for i := 0; i < perWorker; i++ {
				reqStart := time.Now()
				_, status, err := fetch(apiURL + "/api/v1/status")
				if err != nil || status != http.StatusOK {
					stats.errors++
					continue
				}
				d := time.Since(reqStart)
				stats.calls++
				stats.latency += d
				if d > stats.maxLatency {
					stats.maxLatency = d
				}
			}
			done <- stats
		}()
	}

	var total workerStats
	for i := 0; i < concurrency; i++ {
		s := <-done
		total.calls += s.calls
		total.errors += s.errors
		total.latency += s.latency
		if s.maxLatency > total.maxLatency {
			total.maxLatency = s.maxLatency
		}
	}
	elapsed := time.Since(start)

	if total.calls == 0 {
		t.Fatalf("all %d requests failed; is the rate limit disabled?", total.errors)
	}

	t.Logf("Total calls: %d", total.calls)
	t.Logf("Errors:      %d", total.errors)
	t.Logf("Throughput:  %.2f ops/sec", float64(total.calls)/elapsed.Seconds())
	t.Logf("Avg latency: %s", total.latency/time.Duration(total.calls))
	t.Logf("Max latency: %s", total.maxLatency)
}

type workerStats struct {
	calls      int
	errors     int
	latency    time.Duration
	maxLatency time.Duration
}

func skipUnlessRunning(tb testing.TB) {
	tb.Helper()
	resp, err := http.Get(apiURL + "/health")
	if err != nil {
		tb.Skip("evidence API not running")
	}
	resp.Body.Close()
}

func fetch(url string) (int64, int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	return n, resp.StatusCode, err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
