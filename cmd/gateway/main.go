// Command gateway runs the public entrypoint: a prefix-routing reverse proxy
// in front of the user, group, and steps services with edge rate limiting.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/stridehq/stride/internal/config"
	"github.com/stridehq/stride/internal/gateway"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/metrics"
	"github.com/stridehq/stride/internal/middleware"
	"github.com/stridehq/stride/internal/server"
	"github.com/stridehq/stride/internal/system"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewDefault("gateway").WithError(err).Error("load config")
		os.Exit(1)
	}
	log := logging.New("gateway", cfg.Service.LogLevel)

	routes := routesFrom(cfg)
	if len(routes) == 0 {
		log.Error("no routes configured")
		os.Exit(1)
	}

	gw, err := gateway.New(routes, log)
	if err != nil {
		log.WithError(err).Error("build gateway")
		os.Exit(1)
	}

	m := metrics.New("gateway")
	handler := gw.Handler(
		middleware.Logging(log),
		middleware.Metrics(m),
		middleware.RateLimit(cfg.Gateway.RatePerSecond, cfg.Gateway.RateBurst),
	)

	root := http.NewServeMux()
	root.Handle("/metrics", m.Handler())
	root.Handle("/", handler)

	httpSrv := server.NewHTTP("gateway-http", cfg.Service.Addr, root, log)
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

// routesFrom builds the routing table: explicit gateway.routes win, otherwise
// the upstream URLs map to their conventional prefixes.
func routesFrom(cfg *config.Config) []gateway.Route {
	if len(cfg.Gateway.Routes) > 0 {
		routes := make([]gateway.Route, 0, len(cfg.Gateway.Routes))
		for prefix, upstream := range cfg.Gateway.Routes {
			routes = append(routes, gateway.Route{Prefix: prefix, Upstream: upstream})
		}
		return routes
	}
	var routes []gateway.Route
	if cfg.Upstream.Users != "" {
		routes = append(routes, gateway.Route{Prefix: "/api/v1/users", Upstream: cfg.Upstream.Users})
	}
	if cfg.Upstream.Groups != "" {
		routes = append(routes, gateway.Route{Prefix: "/api/v1/groups", Upstream: cfg.Upstream.Groups})
	}
	if cfg.Upstream.Steps != "" {
		routes = append(routes, gateway.Route{Prefix: "/api/v1/steps", Upstream: cfg.Upstream.Steps})
	}
	return routes
}
