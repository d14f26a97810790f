package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/mintgate/internal/auth"
)

// userBase must match the seeder.
const userBase = 0x10000

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	secret      string
	reuseRate   float64
)

var (
	totalRequests uint64
	created201    uint64 // new intents
	replay200     uint64 // idempotent replays
	queued202     uint64 // handed to retry
	conflict409   uint64 // in-flight key or duplicate intent
	failOther     uint64
)

func main() {
	pflag.StringVar(&targetURL, "url", "http://localhost:8080", "API base URL")
	pflag.IntVar(&concurrency, "workers", 10, "number of concurrent workers")
	pflag.DurationVar(&duration, "duration", 30*time.Second, "test duration")
	pflag.StringVar(&workload, "workload", "uniform", "workload type: uniform | hotspot")
	pflag.IntVar(&users, "users", 1000, "number of seeded users to draw from")
	pflag.StringVar(&secret, "secret", os.Getenv("CLIENT_HMAC_SECRET"), "client channel HMAC secret")
	pflag.Float64Var(&reuseRate, "reuse", 0, "fraction of requests that reuse the previous Idempotency-Key")
	pflag.Parse()

	if secret == "" {
		slog.Error("client secret required (--secret or CLIENT_HMAC_SECRET)")
		os.Exit(1)
	}
	slog.Info("starting benchmark", "workload", workload, "workers", concurrency, "duration", duration, "reuse", reuseRate)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for range concurrency {
		g.Go(func() error { return worker(gctx) })
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func worker(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string
	var lastBody []byte

	for ctx.Err() == nil {
		key, body := lastKey, lastBody
		if key == "" || rand.Float64() >= reuseRate {
			key = uuid.NewString()
			payload := map[string]any{
				"user":               pickUser(),
				"amount":             big.NewInt(100),
				"target_class":       "US",
				"external_reference": "bench-" + key,
			}
			body, _ = json.Marshal(payload)
			lastKey, lastBody = key, body
		}

		code, err := send(ctx, client, key, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch code {
		case http.StatusCreated:
			atomic.AddUint64(&created201, 1)
		case http.StatusOK:
			atomic.AddUint64(&replay200, 1)
		case http.StatusAccepted:
			atomic.AddUint64(&queued202, 1)
		case http.StatusConflict:
			atomic.AddUint64(&conflict409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
	return nil
}

func send(ctx context.Context, client *http.Client, key string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/intents", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set(auth.TimestampHeader, ts)
	req.Header.Set(auth.SignatureHeader, auth.Sign([]byte(secret), body, ts))

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// a replay of a 201 also answers 201; the header tells them apart
	if resp.StatusCode == http.StatusCreated && resp.Header.Get("Idempotent-Replayed") == "true" {
		return http.StatusOK, nil
	}
	return resp.StatusCode, nil
}

func pickUser() string {
	i := rand.IntN(users)
	// hotspot: 90% of traffic goes to the first two users
	if workload == "hotspot" && rand.Float32() < 0.90 {
		i = rand.IntN(2)
	}
	return common.BigToAddress(big.NewInt(int64(userBase + i))).Hex()
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c409 := atomic.LoadUint64(&conflict409)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(c409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_rps":    float64(total) / d.Seconds(),
		"created":           atomic.LoadUint64(&created201),
		"replayed":          atomic.LoadUint64(&replay200),
		"queued_for_retry":  atomic.LoadUint64(&queued202),
		"conflicts":         c409,
		"conflict_rate_pct": conflictRate,
		"errors":            atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		slog.Error("write results", "file", filename, "error", err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
