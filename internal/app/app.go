// README: Builds the service graph shared by the API binary, the bench tool and handler tests.
package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/cancellation"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/modules/matching"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/modules/user"
	"ridedispatch/internal/scheduler"
	"ridedispatch/internal/types"
)

// Stores are the persistence backends behind the services.
type Stores struct {
	Rides     ride.Store
	Drivers   driver.Store
	Users     user.Store
	Jobs      scheduler.Store
	Snapshots location.SnapshotStore
	Index     location.Index
}

// MemoryStores keeps everything in process, with the geohash index for drivers.
func MemoryStores() Stores {
	return Stores{
		Rides:     ride.NewMemoryStore(),
		Drivers:   driver.NewMemoryStore(),
		Users:     user.NewMemoryStore(),
		Jobs:      scheduler.NewMemoryStore(),
		Snapshots: location.NewMemoryStore(),
		Index:     location.NewGeohashIndex(),
	}
}

// PostgresStores persists to db; index is the driver geo index to use.
func PostgresStores(db *pgxpool.Pool, index location.Index) Stores {
	return Stores{
		Rides:     ride.NewPGStore(db),
		Drivers:   driver.NewPGStore(db),
		Users:     user.NewPGStore(db),
		Jobs:      scheduler.NewPGStore(db),
		Snapshots: location.NewStore(db),
		Index:     index,
	}
}

type App struct {
	Users     *user.Service
	Drivers   *driver.Service
	Location  *location.Service
	Rides     *ride.Service
	Matcher   *matching.Service
	Pricing   *pricing.Service
	Policy    *cancellation.Policy
	Dispatch  *dispatch.Engine
	Scheduler *scheduler.Scheduler
}

// New wires the services and registers every scheduler job handler.
func New(cfg config.Config, st Stores, notifier ride.Notifier, clock types.Clock, log *zap.Logger) *App {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}

	sched := scheduler.New(st.Jobs, clock, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBase:    cfg.Scheduler.RetryBase,
		RetryMax:     cfg.Scheduler.RetryMax,
		Lease:        cfg.Scheduler.Lease,
	}, log)

	loc := location.NewService(st.Index, st.Snapshots, clock, log)
	users := user.NewService(st.Users, clock)
	drivers := driver.NewService(st.Drivers, loc, clock, log)

	matcher := matching.NewService(loc, drivers, users, st.Rides, cfg.Matching, log)
	fares := pricing.NewService(cfg.Pricing, cfg.Matching.RadiusKm, pricing.NewMarket(matcher, st.Rides), clock, log)
	policy := cancellation.NewPolicy(cfg.Cancellation, st.Rides, users, sched, clock, log)
	rides := ride.NewService(st.Rides, drivers, fares, policy, notifier, clock, log)

	engine := dispatch.NewEngine(dispatch.Deps{
		Rides:   rides,
		Matcher: matcher,
		Drivers: drivers,
		Users:   users,
		Fares:   fares,
		Caps:    policy,
		Jobs:    sched,
	}, cfg.Dispatch, cfg.Matching, clock, log)
	rides.SetDispatcher(engine)
	engine.RegisterJobs()
	policy.RegisterJobs()

	return &App{
		Users:     users,
		Drivers:   drivers,
		Location:  loc,
		Rides:     rides,
		Matcher:   matcher,
		Pricing:   fares,
		Policy:    policy,
		Dispatch:  engine,
		Scheduler: sched,
	}
}
