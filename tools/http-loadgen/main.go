// http-loadgen is a tiny, dependency-free HTTP load generator for the querygate API.
// It reuses HTTP connections (keep-alive) and supports concurrency so demo scripts run fast
// on Windows (Git Bash), Ubuntu (WSL), and macOS without relying on external tools.
//
// Modes:
//   - single: send N requests for a single query (pure cache-hit load after the first)
//   - zipf:   approximate 80/20 skew (hot/cold) without PRNG: send the hot query 4/5 of the time
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -query="what is querygate" -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -mode=zipf -hot_query="hot question" -cold_queries=50 -n=8000 -c=16
//
// Notes:
//   - POSTs a JSON body {"query": ...} to -path (default /v1/query).
//   - Counts cache hits from the X-Cache response header.
//   - Prints a one-line summary with duration, throughput and observed hit rate.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		path     = flag.String("path", "/v1/query", "Request path")
		modeS    = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		query    = flag.String("query", "what is querygate", "Query for single mode")
		hotQuery = flag.String("hot_query", "hot question", "Hot query for zipf mode")
		coldN    = flag.Int("cold_queries", 50, "Number of cold queries to round-robin in zipf mode")
		N        = flag.Int("n", 5000, "Total requests to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic skew: hotEvery=5 means 4/5 go to the hot query, 1/5 to a cold one.
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (4 of this period go to hot; minimum 2)")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		reqTimeout = flag.Duration("req_timeout", 15*time.Second, "Per-request timeout (misses wait on generation)")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_queries must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 { // at least 1 hot : 1 cold
			*hotEvery = 2
		}
	}

	// Build base + path
	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	// Pre-encode request bodies; queries repeat, so every body can be
	// marshaled once and replayed from a bytes.Reader per request.
	encode := func(q string) []byte {
		b, err := json.Marshal(map[string]string{"query": q})
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode query: %v\n", err)
			os.Exit(2)
		}
		return b
	}
	singleBody := encode(*query)
	hotBody := encode(*hotQuery)
	coldBodies := make([][]byte, *coldN)
	for i := range coldBodies {
		coldBodies[i] = encode(fmt.Sprintf("cold question %d", i+1))
	}

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: *reqTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var hits, misses, non200, failed int64

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var body []byte
			if m == modeSingle {
				body = singleBody
			} else {
				// 80/20-ish deterministic skew: (i+id)%hotEvery != 0 => hot query
				if ((i + id) % *hotEvery) != 0 {
					body = hotBody
				} else {
					body = coldBodies[(i+id)%*coldN]
				}
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			switch {
			case resp.StatusCode != http.StatusOK:
				atomic.AddInt64(&non200, 1)
			case resp.Header.Get("X-Cache") == "HIT":
				atomic.AddInt64(&hits, 1)
			default:
				atomic.AddInt64(&misses, 1)
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ok := atomic.LoadInt64(&hits) + atomic.LoadInt64(&misses)
	hitRate := 0.0
	if ok > 0 {
		hitRate = float64(atomic.LoadInt64(&hits)) / float64(ok)
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s Hits=%d Misses=%d HitRate=%.2f Non200=%d Failed=%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops,
		atomic.LoadInt64(&hits), atomic.LoadInt64(&misses), hitRate, non200, failed)
}
