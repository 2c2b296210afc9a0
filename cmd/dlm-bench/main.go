package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-dlm/v1/dlm"
	"github.com/mirkobrombin/go-dlm/v1/remote"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Lock/unlock cycles")
	resources   = flag.Int("r", 8, "Distinct resource names")
	target      = flag.String("target", "all", "Target: local, memory, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"local", "memory", "redis"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s |\n", "Backend", "Ops/sec", "Avg Latency")
	fmt.Println("|:---|:---|:---|")

	for _, tg := range targets {
		runBenchmark(strings.TrimSpace(tg))
	}
}

func runBenchmark(name string) {
	var (
		lockFn  func(ctx context.Context, resource string) (func(), error)
		cleanup func()
	)

	switch name {
	case "local":
		table := dlm.NewLockTable(nil)
		lockFn = func(ctx context.Context, resource string) (func(), error) {
			g, err := table.Acquire(ctx, resource, "bench", time.Minute)
			if err != nil {
				return nil, err
			}
			return g.Release, nil
		}

	case "memory":
		manager, err := dlm.New(remote.NewInMemory())
		if err != nil {
			log.Fatal(err)
		}
		lockFn = func(ctx context.Context, resource string) (func(), error) {
			g, err := manager.Lock(ctx, resource, "bench", time.Minute)
			if err != nil {
				return nil, err
			}
			return g.Release, nil
		}

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		manager, err := dlm.New(remote.NewRedis(client))
		if err != nil {
			log.Fatal(err)
		}
		lockFn = func(ctx context.Context, resource string) (func(), error) {
			g, err := manager.Lock(ctx, resource, "bench", time.Minute)
			if err != nil {
				return nil, err
			}
			return g.Release, nil
		}
		cleanup = func() { _ = client.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	ctx := context.Background()

	// Probe once so a missing backend fails the row, not the run.
	if release, err := lockFn(ctx, "bench:probe"); err != nil {
		fmt.Printf("| %-10s | %-10s | %-12s |\n", name, "ERROR", "-")
		return
	} else {
		release()
	}

	var ops int64
	chunk := *requests / *concurrency
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < *concurrency; i++ {
		worker := i
		g.Go(func() error {
			for j := 0; j < chunk; j++ {
				resource := fmt.Sprintf("bench:res-%d", (worker+j)%*resources)
				release, err := lockFn(ctx, resource)
				if err != nil {
					return err
				}
				release()
				atomic.AddInt64(&ops, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("%s: %v", name, err)
	}
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s |\n", name, "ERROR", "-")
		return
	}
	throughput := float64(ops) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / ops)
	fmt.Printf("| %-10s | %-10.0f | %-12s |\n", name, throughput, avgLat)
}
