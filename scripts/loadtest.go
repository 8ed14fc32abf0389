// Command loadtest drives a worker with concurrent Infer calls of varying
// batch size. Run with: go run ./scripts -input data -width 784 -output prob
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	pb "github.com/kunal/caffe-serving/api/inference/v1"
)

func main() {
	addr := flag.String("addr", "localhost:50052", "Worker address")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	input := flag.String("input", "data", "Input blob name")
	width := flag.Int("width", 10, "Values per sample")
	output := flag.String("output", "prob", "Output blob name")
	maxRows := flag.Int("max-rows", 4, "Largest batch per request")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	log := logger.Sugar()
	defer log.Sync()

	log.Infow("Load test starting", "addr", *addr, "concurrency", *concurrency, "duration", *duration)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalw("Failed to connect", "error", err)
	}
	defer conn.Close()

	client := pb.NewInferenceServiceClient(conn)

	var (
		totalRequests atomic.Int64
		totalSamples  atomic.Int64
		totalErrors   atomic.Int64
		mu            sync.Mutex
		latencies     []time.Duration
		batchDist     = make(map[int32]int)
		priorityDist  = make(map[string]int)
		errorDist     = make(map[string]int)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for ctx.Err() == nil {
				// 60% LOW, 30% NORMAL, 10% HIGH
				pri := pb.Priority_LOW
				switch r := rng.Intn(100); {
				case r >= 90:
					pri = pb.Priority_HIGH
				case r >= 60:
					pri = pb.Priority_NORMAL
				}

				rows := 1 + rng.Intn(*maxRows)
				data := make([]float32, rows**width)
				for j := range data {
					data[j] = rng.Float32()
				}

				reqStart := time.Now()
				resp, err := client.Infer(ctx, &pb.InferRequest{
					RequestId:   uuid.NewString(),
					Inputs:      []*pb.Tensor{{Name: *input, Shape: []int64{int64(rows), int64(*width)}, Data: data}},
					OutputNames: []string{*output},
					Priority:    pri,
					Timestamp:   time.Now().UnixNano(),
				})
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					totalErrors.Add(1)
					mu.Lock()
					errorDist[status.Code(err).String()]++
					mu.Unlock()
					continue
				}

				elapsed := time.Since(reqStart)
				totalRequests.Add(1)
				totalSamples.Add(int64(rows))

				mu.Lock()
				latencies = append(latencies, elapsed)
				batchDist[resp.BatchSize]++
				priorityDist[resp.PriorityUsed]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := totalRequests.Load()
	errs := totalErrors.Load()

	fmt.Println()
	fmt.Println("LOAD TEST RESULTS")
	fmt.Printf("  Duration:     %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Concurrency:  %d\n", *concurrency)
	fmt.Printf("  Requests:     %d\n", total)
	fmt.Printf("  Samples:      %d\n", totalSamples.Load())
	if total+errs > 0 {
		fmt.Printf("  Errors:       %d (%.1f%%)\n", errs, float64(errs)/float64(total+errs)*100)
	}
	fmt.Printf("  Throughput:   %.1f req/sec, %.1f samples/sec\n",
		float64(total)/elapsed.Seconds(), float64(totalSamples.Load())/elapsed.Seconds())

	if len(latencies) > 0 {
		fmt.Println("\n  Latency percentiles:")
		fmt.Printf("    p50:  %v\n", latencies[len(latencies)*50/100])
		fmt.Printf("    p95:  %v\n", latencies[len(latencies)*95/100])
		fmt.Printf("    p99:  %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("    max:  %v\n", latencies[len(latencies)-1])
	}

	printDist := func(title string, dist map[string]int) {
		if len(dist) == 0 {
			return
		}
		fmt.Printf("\n  %s:\n", title)
		keys := make([]string, 0, len(dist))
		for k := range dist {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s: %d\n", k, dist[k])
		}
	}
	batches := make(map[string]int, len(batchDist))
	for size, n := range batchDist {
		batches[fmt.Sprintf("%3d samples", size)] = n
	}
	printDist("Forward pass sizes", batches)
	printDist("Priority distribution", priorityDist)
	printDist("Errors by code", errorDist)
}
