// Command stepsd runs the steps service: the write pipeline that records a
// user's steps and fans the delta out to the user's group, plus the scheduled
// daily and weekly tally resets.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/stridehq/stride/internal/auth"
	"github.com/stridehq/stride/internal/config"
	"github.com/stridehq/stride/internal/httpapi"
	"github.com/stridehq/stride/internal/idempotency"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/metrics"
	"github.com/stridehq/stride/internal/middleware"
	"github.com/stridehq/stride/internal/reconcile"
	"github.com/stridehq/stride/internal/server"
	"github.com/stridehq/stride/internal/services/steps"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/storage/memory"
	"github.com/stridehq/stride/internal/storage/postgres"
	"github.com/stridehq/stride/internal/svcclient"
	"github.com/stridehq/stride/internal/system"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewDefault("stepsd").WithError(err).Error("load config")
		os.Exit(1)
	}
	log := logging.New("stepsd", cfg.Service.LogLevel)

	var pendingStore storage.PendingStore
	if cfg.Database.Name != "" {
		pg, err := postgres.Open(context.Background(), cfg.Database.DSN())
		if err != nil {
			log.WithError(err).Error("connect database")
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(); err != nil {
			log.WithError(err).Error("migrate database")
			os.Exit(1)
		}
		pendingStore = pg
	} else {
		log.Warn("no database configured, using in-memory store")
		pendingStore = memory.New()
	}

	var idem idempotency.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		idem = idempotency.NewRedisStore(rdb, "steps", cfg.Idempotency.Retention)
	} else {
		idem = idempotency.NewMemoryStore(cfg.Idempotency.Retention)
	}

	var verifier auth.Verifier
	if cfg.Auth.PublicKeyFile != "" {
		verifier, err = auth.NewJWTVerifierFromFile(cfg.Auth.PublicKeyFile, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			log.WithError(err).Error("load verifier key")
			os.Exit(1)
		}
	} else {
		log.Error("auth.public_key_file is required")
		os.Exit(1)
	}

	m := metrics.New("stepsd")
	clientCfg := svcclient.Config{
		ServiceToken: cfg.Auth.ServiceToken,
		Timeout:      cfg.Client.Timeout,
		MaxAttempts:  cfg.Client.MaxAttempts,
		BackoffBase:  cfg.Client.BackoffBase,
		BackoffCap:   cfg.Client.BackoffCap,
		Metrics:      m,
	}
	usersCfg := clientCfg
	usersCfg.BaseURL = cfg.Upstream.Users
	userAPI := svcclient.NewUserAPI(svcclient.New(usersCfg, log))
	groupsCfg := clientCfg
	groupsCfg.BaseURL = cfg.Upstream.Groups
	groupAPI := svcclient.NewGroupAPI(svcclient.New(groupsCfg, log))

	svc := steps.New(userAPI, groupAPI, pendingStore, idem, log)
	sweeper := reconcile.New(pendingStore, userAPI, groupAPI, reconcile.Config{
		Interval:       cfg.Reconcile.Interval,
		FailureCeiling: cfg.Reconcile.FailureCeiling,
	}, m, log)
	scheduler := steps.NewResetScheduler(userAPI, groupAPI,
		cfg.Resets.Daily, cfg.Resets.Weekly, cfg.Resets.Timezone, log)

	router := httpapi.NewStepsRouter(svc, pendingStore, verifier, cfg.Auth.ServiceToken,
		middleware.Logging(log), middleware.Metrics(m))

	root := http.NewServeMux()
	root.Handle("/metrics", m.Handler())
	root.Handle("/", router)

	httpSrv := server.NewHTTP("stepsd-http", cfg.Service.Addr, root, log)
	mgr := system.NewManager()
	for _, svc := range []system.Service{httpSrv, sweeper, scheduler} {
		if err := mgr.Register(svc); err != nil {
			log.WithError(err).Error("register services")
			os.Exit(1)
		}
	}

	if err := server.Run(mgr, httpSrv, log); err != nil {
		log.WithError(err).Error("exit")
		os.Exit(1)
	}
}
