// Package gateway is the single public entrypoint. It routes requests
// to the backing services by path prefix and applies the edge
// middleware stack (logging, metrics, rate limiting).
package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/logging"
)

// Route maps a path prefix to an upstream service base URL.
type Route struct {
	Prefix   string
	Upstream string
}

// Gateway is a prefix-routing reverse proxy.
type Gateway struct {
	routes []route
	log    *logging.Logger
}

type route struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// New builds a Gateway from the given routes. Longer prefixes win when
// two routes overlap.
func New(routes []Route, log *logging.Logger) (*Gateway, error) {
	g := &Gateway{log: log}
	for _, r := range routes {
		target, err := url.Parse(r.Upstream)
		if err != nil {
			return nil, serrors.InvalidArgument("invalid upstream URL for prefix " + r.Prefix).WithCause(err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = g.proxyError
		g.routes = append(g.routes, route{prefix: r.Prefix, proxy: proxy})
	}
	sort.Slice(g.routes, func(i, j int) bool {
		return len(g.routes[i].prefix) > len(g.routes[j].prefix)
	})
	return g, nil
}

// Handler returns the gateway's HTTP handler with the supplied
// middleware applied.
func (g *Gateway) Handler(mw ...mux.MiddlewareFunc) http.Handler {
	r := mux.NewRouter()
	r.Use(mw...)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"gateway"}`))
	}).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(g.route)
	return r
}

func (g *Gateway) route(w http.ResponseWriter, r *http.Request) {
	// Internal endpoints are never reachable through the gateway.
	if strings.HasPrefix(r.URL.Path, "/internal/") {
		g.writeNotFound(w)
		return
	}
	for _, rt := range g.routes {
		if strings.HasPrefix(r.URL.Path, rt.prefix) {
			rt.proxy.ServeHTTP(w, r)
			return
		}
	}
	g.writeNotFound(w)
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	g.log.WithError(err).WithField("path", r.URL.Path).Warn("upstream unreachable")
	serviceErr := serrors.Unreachable("upstream service unreachable")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serviceErr.HTTPStatus())
	w.Write([]byte(`{"error":{"code":"` + string(serviceErr.Code) + `","message":"upstream service unreachable"}}`))
}

func (g *Gateway) writeNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error":{"code":"not_found","message":"no route for path"}}`))
}
