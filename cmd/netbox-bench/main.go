package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/pior/netbox"
	"github.com/pior/netbox/promstats"
)

type OperationType string

const (
	Ping      OperationType = "ping"
	Eval      OperationType = "eval"
	Select    OperationType = "select"
	AsyncPing OperationType = "async-ping"
	All       OperationType = "all"
)

type BenchmarkResult struct {
	Operation    OperationType
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

// operation runs one request. workerID and n identify it, so the result can
// be checked.
type operation func(ctx context.Context, workerID, n int) error

var errMismatch = errors.New("value mismatch")

func main() {
	var (
		op          = flag.String("operation", "all", "Operation type: ping, eval, select, async-ping, or all")
		duration    = flag.Duration("duration", 5*time.Second, "Duration to run benchmarks")
		concurrency = flag.Int("concurrency", 16, "Number of concurrent workers")
		addrs       = flag.StringSlice("addr", []string{"localhost:3301"}, "Server addresses")
		user        = flag.String("user", "", "User name")
		password    = flag.String("password", "", "User password")
		space       = flag.String("space", "280", "Space name or id used by the select benchmark")
		usePool     = flag.Int("pool", 0, "Spread workers over a pool of this many connections (0 shares one connection)")
		metricsAddr = flag.String("metrics-addr", "", "Serve prometheus metrics on this address")
		verbose     = flag.Bool("verbose", false, "Log connection events")
	)
	flag.Parse()

	fmt.Printf("Netbox Benchmark Tool\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Operation: %s\n", *op)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Servers: %s\n", strings.Join(*addrs, ","))
	fmt.Println()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}

	opts := netbox.Options{
		User:           *user,
		Password:       *password,
		RequestTimeout: 5 * time.Second,
		Reconnect:      netbox.ReconnectPolicy{Interval: 500 * time.Millisecond},
		Logger:         slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})),
	}

	b := &bench{space: *space}
	if id, err := strconv.ParseUint(*space, 10, 32); err == nil {
		b.space = uint32(id)
	}
	reg := prometheus.NewRegistry()

	if *usePool > 0 {
		pool, err := netbox.NewPool(*addrs, netbox.PoolConfig{MaxSize: int32(*usePool), Options: opts})
		if err != nil {
			log.Fatalf("Failed to create pool: %v", err)
		}
		defer pool.Close()
		b.pool = pool
		reg.MustRegister(promstats.NewPoolCollector("netbox_bench", pool, nil))
	} else {
		conn, err := netbox.Connect(*addrs, opts)
		if err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
		defer conn.Close()
		b.conn = conn
		reg.MustRegister(promstats.NewConnCollector("netbox_bench", conn, nil))
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	fmt.Print("Testing connection...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := b.do(ctx, func(ctx context.Context, c *netbox.Conn) error { return c.Ping(ctx) })
	cancel()
	if err != nil {
		fmt.Printf(" failed: %v\n", err)
		fmt.Printf("Make sure tarantool is listening on %s\n", strings.Join(*addrs, ","))
		return
	}
	fmt.Println(" success!")
	fmt.Println()

	if OperationType(*op) == All {
		for _, o := range []OperationType{Ping, Eval, Select, AsyncPing} {
			fmt.Printf("\n--- Running %s benchmark ---\n", o)
			printResult(b.runOperation(o, *duration, *concurrency))
		}
	} else {
		printResult(b.runOperation(OperationType(*op), *duration, *concurrency))
	}

	if b.conn != nil {
		s := b.conn.Stats()
		fmt.Printf("Connection: requests=%d responses=%d timeouts=%d discarded=%d reconnects=%d\n",
			s.Requests, s.Responses, s.Timeouts, s.Discarded, s.Reconnects)
	}
}

type bench struct {
	conn  *netbox.Conn
	pool  *netbox.Pool
	space any
}

func (b *bench) do(ctx context.Context, fn func(context.Context, *netbox.Conn) error) error {
	if b.pool != nil {
		return b.pool.With(ctx, func(c *netbox.Conn) error { return fn(ctx, c) })
	}
	return fn(ctx, b.conn)
}

func (b *bench) runOperation(op OperationType, duration time.Duration, concurrency int) *BenchmarkResult {
	var fn operation

	switch op {
	case Ping:
		fn = func(ctx context.Context, _, _ int) error {
			return b.do(ctx, func(ctx context.Context, c *netbox.Conn) error { return c.Ping(ctx) })
		}
	case Eval:
		fn = func(ctx context.Context, workerID, n int) error {
			return b.do(ctx, func(ctx context.Context, c *netbox.Conn) error {
				res, err := c.Eval(ctx, "return ...", []any{workerID, n})
				if err != nil {
					return err
				}
				var got []int
				if err := res.Decode(&got); err != nil {
					return err
				}
				if len(got) != 2 || got[0] != workerID || got[1] != n {
					return errMismatch
				}
				return nil
			})
		}
	case Select:
		fn = func(ctx context.Context, _, _ int) error {
			return b.do(ctx, func(ctx context.Context, c *netbox.Conn) error {
				_, err := c.Select(ctx, b.space, nil, []any{}, netbox.SelectOptions{Limit: 1, Iterator: netbox.IterAll})
				return err
			})
		}
	case AsyncPing:
		// Each worker keeps a window of requests in flight on the socket.
		fn = func(ctx context.Context, _, _ int) error {
			return b.do(ctx, func(ctx context.Context, c *netbox.Conn) error {
				promises := make([]*netbox.Promise[struct{}], 16)
				for i := range promises {
					promises[i] = c.PingAsync()
				}
				for _, p := range promises {
					if _, err := p.Wait(ctx); err != nil {
						return err
					}
				}
				return nil
			})
		}
	default:
		return &BenchmarkResult{
			Operation:    op,
			Correctness:  false,
			ErrorMessage: fmt.Sprintf("Unknown operation: %s", op),
		}
	}

	fmt.Printf("Starting %s benchmark with %d workers for %v...\n", op, concurrency, duration)
	return run(op, fn, duration, concurrency)
}

func run(op OperationType, fn operation, duration time.Duration, concurrency int) *BenchmarkResult {
	result := &BenchmarkResult{Operation: op, Correctness: true}
	var totalOps, successes, failures, totalLatency int64
	var mismatch atomic.Bool
	var firstErr atomic.Value

	ctx := context.Background()
	startTime := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for n := 0; time.Since(startTime) < duration; n++ {
				opStart := time.Now()
				err := fn(ctx, workerID, n)
				latency := time.Since(opStart)

				atomic.AddInt64(&totalOps, 1)
				atomic.AddInt64(&totalLatency, int64(latency))

				switch {
				case err == nil:
					atomic.AddInt64(&successes, 1)
				case errors.Is(err, errMismatch):
					atomic.AddInt64(&failures, 1)
					mismatch.Store(true)
				default:
					atomic.AddInt64(&failures, 1)
					firstErr.CompareAndSwap(nil, err.Error())
				}
			}
		}(i)
	}

	wg.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps
	result.Successes = successes
	result.Failures = failures

	if mismatch.Load() {
		result.Correctness = false
		result.ErrorMessage = "Value mismatch"
	} else if msg, ok := firstErr.Load().(string); ok {
		result.ErrorMessage = msg
	}

	if totalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency / totalOps)
		result.OpsPerSecond = float64(totalOps) / result.Duration.Seconds()
	}

	return result
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation: %s\n", result.Operation)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Operations: %d\n", result.TotalOps)
	fmt.Printf("Successes: %d\n", result.Successes)
	fmt.Printf("Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Printf("Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Printf("Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Printf("Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Println()
}
