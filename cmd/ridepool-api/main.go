// README: Entry point; loads config, wires stores and services, starts the HTTP server and the
// dispatch and ETA background loops.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ridepool/internal/config"
	httptransport "ridepool/internal/http"
	"ridepool/internal/infra"
	"ridepool/internal/logger"
	"ridepool/internal/maps"
	"ridepool/internal/modules/eta"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/matching"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/modules/trip"
	"ridepool/internal/realtime"
	"ridepool/internal/store/memory"
	"ridepool/internal/types"
)

type rideRepository interface {
	matching.RequestRepository
	eta.RideRepository
	GetRide(ctx context.Context, id types.ID) (*ride.Ride, error)
	DeleteRequest(ctx context.Context, id types.ID) error
}

type routeRepository interface {
	eta.RouteRepository
	matching.RouteRepository
}

// backend is the storage set the services run on: Postgres and Redis, or in-memory.
type backend struct {
	locations location.Repository
	fleet     fleet.Repository
	rides     rideRepository
	routes    routeRepository
	locker    infra.Locker
	redis     *redis.Client
	close     func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("ridepool exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	be, err := openBackend(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer be.close()

	var verifier infra.TokenVerifier
	publishers := realtime.Multi{}
	if be.redis != nil {
		publishers = append(publishers, realtime.NewRedisPublisher(be.redis))
	}
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			return err
		}
		if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
			return err
		}
		if cfg.Firebase.DatabaseURL != "" {
			rtdb, err := infra.NewFirebaseDatabase(ctx, app)
			if err != nil {
				return err
			}
			publishers = append(publishers, realtime.NewFirebasePublisher(rtdb))
		}
	} else {
		zl.Warn("RIDEPOOL_FIREBASE_PROJECT_ID not set; authentication is disabled")
	}

	var estimator eta.Estimator = eta.StraightLine{Kmh: cfg.ETA.FallbackKmh}
	if cfg.Maps.APIKey != "" {
		routeSvc, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		estimator = routeSvc
		if be.redis != nil {
			estimator = eta.NewCachedEstimator(be.redis, routeSvc, cfg.ETA.CacheTTL, zl)
		}
	} else {
		zl.Warn("RIDEPOOL_MAPS_API_KEY not set; using straight-line ETAs")
	}

	locationSvc := location.NewService(be.locations, be.fleet, zl.Named("location"))
	fleetSvc := fleet.NewService(be.fleet, be.locations, zl.Named("fleet"))
	engine := eta.NewEngine(eta.Deps{
		Routes:    be.routes,
		Rides:     be.rides,
		Drivers:   be.fleet,
		Estimator: estimator,
		Locker:    be.locker,
		Publisher: realtime.NewLogged(publishers, zl.Named("realtime")),
		Log:       zl.Named("eta"),
	}, cfg.ETA, cfg.RouteLockTTL)

	deps := matching.Deps{
		Requests: be.rides,
		Vehicles: be.fleet,
		Drivers:  be.fleet,
		Routes:   be.routes,
		Rides:    be.rides,
		Geo:      locationSvc,
		Pricing:  pricing.NewService(),
		Engine:   engine,
		Locker:   be.locker,
		Log:      zl.Named("matching"),
	}
	if be.redis != nil {
		deps.Attempts = matching.NewStore(be.redis)
	}
	matchingSvc := matching.NewService(deps, cfg.Matching, cfg.ETA.FallbackKmh)
	tripSvc := trip.NewService(be.rides, be.rides, engine, be.locker, cfg.Matching.ClaimTTL, zl.Named("trip"))

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Location: locationSvc,
		Fleet:    fleetSvc,
		Matching: matchingSvc,
		Trip:     tripSvc,
		Routes:   be.routes,
		Verifier: verifier,
		Log:      zl.Named("http"),
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, zl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		matchingSvc.RunScheduler(gctx)
		return nil
	})
	g.Go(func() error {
		engine.RunRefresher(gctx)
		return nil
	})
	return g.Wait()
}

// openBackend uses Postgres and Redis when a DSN is configured and the in-memory store
// otherwise.
func openBackend(ctx context.Context, cfg config.Config, zl *zap.Logger) (*backend, error) {
	if cfg.DB.DSN == "" {
		zl.Warn("RIDEPOOL_DB_DSN not set; using the in-memory store")
		st := memory.NewStore()
		return &backend{
			locations: st,
			fleet:     st,
			rides:     st,
			routes:    st,
			locker:    infra.NewLocalLocker(),
			close:     func() {},
		}, nil
	}

	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	rdb := infra.NewRedis(cfg.Redis.Addr)
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, err
	}
	return &backend{
		locations: location.NewStore(pool),
		fleet:     fleet.NewStore(pool),
		rides:     ride.NewStore(pool),
		routes:    route.NewStore(pool),
		locker:    infra.NewRedisLocker(rdb),
		redis:     rdb,
		close: func() {
			_ = rdb.Close()
			pool.Close()
		},
	}, nil
}
