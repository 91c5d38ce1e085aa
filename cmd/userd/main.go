// Command userd runs the user service: profile CRUD, the user-side half of
// group membership, and the authoritative step tallies.
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
	"github.com/stridehq/stride/internal/server"
	"github.com/stridehq/stride/internal/services/users"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/storage/memory"
	"github.com/stridehq/stride/internal/storage/postgres"
	"github.com/stridehq/stride/internal/system"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewDefault("userd").WithError(err).Error("load config")
		os.Exit(1)
	}
	log := logging.New("userd", cfg.Service.LogLevel)

	var store storage.UserStore
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
		store = pg
	} else {
		log.Warn("no database configured, using in-memory store")
		store = memory.New()
	}

	var idem idempotency.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		idem = idempotency.NewRedisStore(rdb, "users", cfg.Idempotency.Retention)
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

	m := metrics.New("userd")
	svc := users.New(store, idem, log)
	router := httpapi.NewUserRouter(svc, verifier, cfg.Auth.ServiceToken,
		middleware.Logging(log), middleware.Metrics(m))

	root := http.NewServeMux()
	root.Handle("/metrics", m.Handler())
	root.Handle("/", router)

	httpSrv := server.NewHTTP("userd-http", cfg.Service.Addr, root, log)
	mgr := system.NewManager()
	if err := mgr.Register(httpSrv); err != nil {
		log.WithError(err).Error("register services")
		os.Exit(1)
	}

	if err := server.Run(mgr, httpSrv, log); err != nil {
		log.WithError(err).Error("exit")
		os.Exit(1)
	}
}
