package maps

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dMap clusters",
		Long:    "Runs a fixed number of operations per test against the selected map and prints latency percentiles and throughput.",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 10000
	perfSkip             = make([]string, 0)
)

// perfTest is one benchmark. op is called with a key index and returns the error of the operation
type perfTest struct {
	name    string
	prepare bool
	op      func(ctx context.Context, key []byte) error
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("How large the value for the put-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 10000, util.WrapString("How many operations every test runs"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfOps = max(viper.GetInt("ops"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dMap clusters")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Map: %s, Threads: %d, Ops: %d\n", rpcMap.Name(), perfNumThreads, perfOps)
	fmt.Println()

	fmt.Println("starting tests...")

	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	counter := atomic.Uint64{}

	tests := []perfTest{
		{name: "put", op: func(ctx context.Context, k []byte) error {
			return rpcMap.Set(ctx, k, value)
		}},
		{name: "put-large", op: func(ctx context.Context, k []byte) error {
			return rpcMap.Set(ctx, k, largeValue)
		}},
		{name: "get", prepare: true, op: func(ctx context.Context, k []byte) error {
			_, _, err := rpcMap.Get(ctx, k)
			return err
		}},
		{name: "contains", prepare: true, op: func(ctx context.Context, k []byte) error {
			_, err := rpcMap.ContainsKey(ctx, k)
			return err
		}},
		{name: "contains-not", op: func(ctx context.Context, k []byte) error {
			_, err := rpcMap.ContainsKey(ctx, k)
			return err
		}},
		{name: "remove", prepare: true, op: func(ctx context.Context, k []byte) error {
			_, err := rpcMap.Delete(ctx, k)
			return err
		}},
		{name: "lock", op: func(ctx context.Context, k []byte) error {
			ok, err := rpcMap.TryLock(ctx, k, time.Minute, 0)
			if err != nil || !ok {
				return err
			}
			return rpcMap.Unlock(ctx, k)
		}},
		{name: "mixed", prepare: true, op: func(ctx context.Context, k []byte) error {
			var err error
			switch counter.Add(1) % 4 {
			case 0:
				err = rpcMap.Set(ctx, k, value)
			case 1:
				_, _, err = rpcMap.Get(ctx, k)
			case 2:
				_, err = rpcMap.Delete(ctx, k)
			case 3:
				_, err = rpcMap.ContainsKey(ctx, k)
			}
			return err
		}},
	}

	results := make(map[string]gometrics.Timer)
	for _, test := range tests {
		if slices.Contains(perfSkip, test.name) {
			printResult(test.name, nil)
			continue
		}
		timer, err := runTest(test)
		if err != nil {
			return err
		}
		results[test.name] = timer
		printResult(test.name, timer)
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runTest runs perfOps operations of the test on perfNumThreads goroutines
func runTest(test perfTest) (gometrics.Timer, error) {
	keys := getKeys(test.name)
	ctx := context.Background()

	if test.prepare {
		for _, k := range keys {
			if err := rpcMap.Set(ctx, k, []byte("test")); err != nil {
				return nil, fmt.Errorf("(%s) - error preparing key: %w", test.name, err)
			}
		}
	}
	defer func() {
		for _, k := range keys {
			if _, err := rpcMap.Delete(ctx, k); err != nil {
				log.Printf("(%s) - error deleting key: %v\n", test.name, err)
			}
		}
	}()

	timer := gometrics.NewTimer()
	next := atomic.Int64{}
	g := errgroup.Group{}
	for range perfNumThreads {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= int64(perfOps) {
					return nil
				}
				k := keys[int(i)%len(keys)]
				timer.Time(func() {
					opCtx, cancel := util.Context()
					defer cancel()
					if err := test.op(opCtx, k); err != nil {
						log.Printf("(%s) - error: %v\n", test.name, err)
					}
				})
			}
		})
	}
	_ = g.Wait()
	timer.Stop()
	return timer, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// getKeys creates the test keys of a benchmark
func getKeys(prefix string) [][]byte {
	keys := make([][]byte, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = []byte(fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i))
	}
	return keys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, timer gometrics.Timer) {
	if timer == nil || timer.Count() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}
	s := timer.Snapshot()
	p := s.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("%-20smean %s\tp50 %s\tp99 %s\t%.0f ops/sec\n", test,
		time.Duration(s.Mean()), time.Duration(p[0]), time.Duration(p[1]), s.RateMean())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]gometrics.Timer, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Ops", "MeanNs", "P50Ns", "P99Ns", "MaxNs", "OpsPerSec",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Map", "NearCache", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, timer := range results {
		s := timer.Snapshot()
		p := s.Percentiles([]float64{0.5, 0.99})
		row := []string{
			test,
			strconv.FormatInt(s.Count(), 10),
			fmt.Sprintf("%.0f", s.Mean()),
			fmt.Sprintf("%.0f", p[0]),
			fmt.Sprintf("%.0f", p[1]),
			strconv.FormatInt(s.Max(), 10),
			fmt.Sprintf("%.0f", s.RateMean()),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			rpcMap.Name(),
			strconv.FormatBool(config.NearCache.Enabled),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
