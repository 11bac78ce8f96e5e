// README: Dispatch bench: runs the cases, then reports case results and the dispatch outcomes they produced.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"

	"ridedispatch/internal/observability"
)

// Outcome labels recorded by the dispatch engine.
var dispatchOutcomes = []string{"assigned", "pending", "claim_lost", "rejected", "timeout", "expired", "error"}

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)
	sum := summarize(results)
	sum.print(os.Stdout)

	if sum.cases[statusFail] > 0 || (cfg.Strict && sum.cases[statusSkip] > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL     string
	DSN         string
	RedisAddr   string
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Drivers     int
	Duration    time.Duration
}

// loadConfig reads RIDE_BENCH_* defaults from the environment; flags win.
func loadConfig() Config {
	v := viper.New()
	v.SetEnvPrefix("RIDE_BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("concurrency", 20)
	v.SetDefault("drivers", 50)
	v.SetDefault("duration", 5*time.Second)

	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", v.GetString("base_url"), "API base URL; empty skips live HTTP checks")
	flag.StringVar(&cfg.DSN, "dsn", v.GetString("dsn"), "Postgres DSN; empty skips the DB check")
	flag.StringVar(&cfg.RedisAddr, "redis", v.GetString("redis_addr"), "Redis address; empty skips the Redis check")
	flag.BoolVar(&cfg.Strict, "strict", v.GetBool("strict"), "Fail on skipped checks")
	flag.DurationVar(&cfg.Timeout, "timeout", v.GetDuration("timeout"), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", v.GetInt("concurrency"), "Concurrent riders for the load case")
	flag.IntVar(&cfg.Drivers, "drivers", v.GetInt("drivers"), "Drivers online for the load case")
	flag.DurationVar(&cfg.Duration, "duration", v.GetDuration("duration"), "Duration of the load case")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

type summary struct {
	cases    map[string]int
	outcomes map[string]float64
	slowest  Result
}

func summarize(results []Result) summary {
	s := summary{cases: make(map[string]int), outcomes: make(map[string]float64)}
	for _, r := range results {
		s.cases[r.Status]++
		if r.Status != statusSkip && r.Latency > s.slowest.Latency {
			s.slowest = r
		}
	}
	for _, o := range dispatchOutcomes {
		s.outcomes[o] = promtest.ToFloat64(observability.DispatchOutcomes.WithLabelValues(o))
	}
	return s
}

func (s summary) print(w io.Writer) {
	fmt.Fprintln(w, "\n== Summary ==")
	fmt.Fprintf(w, "cases: PASS=%d FAIL=%d SKIP=%d\n", s.cases[statusPass], s.cases[statusFail], s.cases[statusSkip])
	if s.slowest.Name != "" {
		fmt.Fprintf(w, "slowest: %s (%s)\n", s.slowest.Name, s.slowest.Latency.Round(time.Millisecond))
	}
	fmt.Fprint(w, "dispatch:")
	for _, o := range dispatchOutcomes {
		fmt.Fprintf(w, " %s=%.0f", o, s.outcomes[o])
	}
	fmt.Fprintln(w)
}
