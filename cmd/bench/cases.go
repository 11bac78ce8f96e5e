// README: Bench cases: dependency checks, dispatch scenarios on in-memory stores and a concurrent load run.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/app"
	"ridedispatch/internal/apperr"
	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/testutil"
	"ridedispatch/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var origin = types.Point{Lat: 25.0330, Lng: 121.5654}

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		start := time.Now()
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		if res.Latency == 0 {
			res.Latency = time.Since(start)
		}
		results = append(results, res)
		fmt.Printf("%-5s %s (%s)", res.Status, tc.Name, res.Latency.Round(time.Microsecond))
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func fail(format string, args ...any) Result {
	return Result{Status: statusFail, Note: fmt.Sprintf(format, args...)}
}

// world is an in-memory deployment on a fake clock.
type world struct {
	app   *app.App
	clock *testutil.FakeClock
}

func newWorld() *world {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return &world{app: app.New(config.Default(), app.MemoryStores(), nil, clock, nil), clock: clock}
}

func (w *world) rider(ctx context.Context, id types.ID) error {
	_, err := w.app.Users.Create(ctx, id, string(id))
	return err
}

func (w *world) driver(ctx context.Context, id types.ID, at types.Point) (*driver.Driver, error) {
	if err := w.rider(ctx, id); err != nil {
		return nil, err
	}
	if _, err := w.app.Drivers.Register(ctx, driver.RegisterCommand{UserID: id, Approved: true}); err != nil {
		return nil, err
	}
	return w.app.Drivers.SetAvailability(ctx, driver.AvailabilityCommand{UserID: id, Available: true, Location: &at})
}

func offset(km float64) types.Point {
	return types.Point{Lat: origin.Lat + km/111.19, Lng: origin.Lng}
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "no dsn"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return fail("%v", err)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusSkip, Note: "no redis address"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return fail("%v", err)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "HTTP: GET /health",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.BaseURL == "" {
					return Result{Status: statusSkip, Note: "no base url"}
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
				if err != nil {
					return fail("%v", err)
				}
				resp, err := r.httpc.Do(req)
				if err != nil {
					return fail("%v", err)
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return fail("status %d", resp.StatusCode)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Dispatch: same pickup and drop-off rejected",
			Run: func(ctx context.Context, _ *Runner) Result {
				w := newWorld()
				if err := w.rider(ctx, "rider"); err != nil {
					return fail("%v", err)
				}
				_, err := w.app.Dispatch.CreateRide(ctx, dispatch.CreateCommand{UserID: "rider", Pickup: origin, Dropoff: origin})
				if !errors.Is(err, apperr.ErrBadRequest) {
					return fail("want bad request, got %v", err)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Dispatch: nearest driver offered, timeout moves on",
			Run: func(ctx context.Context, _ *Runner) Result {
				w := newWorld()
				if err := w.rider(ctx, "rider"); err != nil {
					return fail("%v", err)
				}
				near, err := w.driver(ctx, "near", offset(1))
				if err != nil {
					return fail("%v", err)
				}
				far, err := w.driver(ctx, "far", offset(3))
				if err != nil {
					return fail("%v", err)
				}
				created, err := w.app.Dispatch.CreateRide(ctx, dispatch.CreateCommand{UserID: "rider", Pickup: origin, Dropoff: offset(-4)})
				if err != nil {
					return fail("%v", err)
				}
				if created.DriverID == nil || *created.DriverID != near.ID {
					return fail("want nearest driver %s", near.ID)
				}
				w.clock.Advance(5 * time.Minute)
				if _, err := w.app.Scheduler.Tick(ctx); err != nil {
					return fail("%v", err)
				}
				got, err := w.app.Rides.Load(ctx, created.ID)
				if err != nil {
					return fail("%v", err)
				}
				if got.DriverID == nil || *got.DriverID != far.ID || !types.ContainsID(got.RejectedDrivers, near.ID) {
					return fail("after timeout: driver=%v rejected=%v", got.DriverID, got.RejectedDrivers)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Dispatch: pending ride expires after ten minutes",
			Run: func(ctx context.Context, _ *Runner) Result {
				w := newWorld()
				if err := w.rider(ctx, "rider"); err != nil {
					return fail("%v", err)
				}
				created, err := w.app.Dispatch.CreateRide(ctx, dispatch.CreateCommand{UserID: "rider", Pickup: origin, Dropoff: offset(2)})
				if err != nil {
					return fail("%v", err)
				}
				if created.Status != ride.StatusPending {
					return fail("want PENDING, got %s", created.Status)
				}
				for i := 0; i < 20; i++ {
					w.clock.Advance(30 * time.Second)
					if _, err := w.app.Scheduler.Tick(ctx); err != nil {
						return fail("%v", err)
					}
				}
				got, err := w.app.Rides.Load(ctx, created.ID)
				if err != nil {
					return fail("%v", err)
				}
				if got.Status != ride.StatusCancelledPendingOver {
					return fail("want %s, got %s", ride.StatusCancelledPendingOver, got.Status)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Perf: concurrent ride requests",
			Run:  runLoad,
		},
	}
}

// runLoad has riders request rides concurrently against a fixed driver pool and
// checks that no driver ends up offered two rides.
func runLoad(ctx context.Context, r *Runner) Result {
	w := newWorld()
	for i := 0; i < r.cfg.Drivers; i++ {
		at := types.Point{Lat: origin.Lat + float64(i%10)*0.002, Lng: origin.Lng + float64(i/10)*0.002}
		if _, err := w.driver(ctx, types.ID(fmt.Sprintf("driver-%d", i)), at); err != nil {
			return fail("seed driver: %v", err)
		}
	}

	deadline := time.Now().Add(r.cfg.Duration)
	var (
		next      atomic.Int64
		errs      atomic.Int64
		mu        sync.Mutex
		latencies []time.Duration
		rides     []types.ID
		wg        sync.WaitGroup
	)
	for g := 0; g < r.cfg.Concurrency; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) && ctx.Err() == nil {
				id := types.ID(fmt.Sprintf("rider-%d", next.Add(1)))
				if err := w.rider(ctx, id); err != nil {
					errs.Add(1)
					continue
				}
				start := time.Now()
				created, err := w.app.Dispatch.CreateRide(ctx, dispatch.CreateCommand{UserID: id, Pickup: offset(0.5), Dropoff: offset(5)})
				elapsed := time.Since(start)
				if err != nil {
					errs.Add(1)
					continue
				}
				mu.Lock()
				latencies = append(latencies, elapsed)
				rides = append(rides, created.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	seen := make(map[types.ID]types.ID)
	for _, id := range rides {
		got, err := w.app.Rides.Load(ctx, id)
		if err != nil {
			return fail("load ride: %v", err)
		}
		if got.DriverID == nil {
			continue
		}
		if other, dup := seen[*got.DriverID]; dup {
			return fail("driver %s offered rides %s and %s", *got.DriverID, other, id)
		}
		seen[*got.DriverID] = id
	}
	if len(latencies) == 0 {
		return fail("no rides created (%d errors)", errs.Load())
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p95 := latencies[len(latencies)*95/100]
	return Result{
		Status:  statusPass,
		Latency: p95,
		Note: fmt.Sprintf("%d rides, %d assigned, %d errors, %.0f req/s, p95 shown",
			len(rides), len(seen), errs.Load(), float64(len(rides))/r.cfg.Duration.Seconds()),
	}
}
