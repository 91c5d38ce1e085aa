package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stridehq/stride/internal/logging"
)

func echoServer(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(name + ":" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T) http.Handler {
	t.Helper()
	usersSrv := echoServer(t, "users")
	groupsSrv := echoServer(t, "groups")

	gw, err := New([]Route{
		{Prefix: "/api/v1/users", Upstream: usersSrv.URL},
		{Prefix: "/api/v1/groups", Upstream: groupsSrv.URL},
	}, logging.NewDefault("gateway"))
	if err != nil {
		t.Fatal(err)
	}
	return gw.Handler()
}

func get(t *testing.T, handler http.Handler, path string) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(w.Result().Body)
	return w.Code, string(body)
}

func TestRoutesByPrefix(t *testing.T) {
	handler := newGateway(t)

	status, body := get(t, handler, "/api/v1/users/u1/steps")
	if status != http.StatusOK || body != "users:/api/v1/users/u1/steps" {
		t.Fatalf("users route: %d %q", status, body)
	}

	status, body = get(t, handler, "/api/v1/groups")
	if status != http.StatusOK || body != "groups:/api/v1/groups" {
		t.Fatalf("groups route: %d %q", status, body)
	}
}

func TestUnknownPrefixIs404(t *testing.T) {
	handler := newGateway(t)
	if status, _ := get(t, handler, "/api/v1/unknown"); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestInternalPathsNeverProxied(t *testing.T) {
	handler := newGateway(t)
	if status, _ := get(t, handler, "/internal/users/u1"); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (internal surface must not leak)", status)
	}
}

func TestHealthzServedLocally(t *testing.T) {
	handler := newGateway(t)
	status, body := get(t, handler, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body == "" || body[0] != '{' {
		t.Fatalf("body = %q", body)
	}
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	gw, err := New([]Route{
		{Prefix: "/api/v1/users", Upstream: "http://127.0.0.1:1"},
	}, logging.NewDefault("gateway"))
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := get(t, gw.Handler(), "/api/v1/users"); status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
}

func TestInvalidUpstreamURL(t *testing.T) {
	if _, err := New([]Route{{Prefix: "/x", Upstream: "://bad"}}, logging.NewDefault("gateway")); err == nil {
		t.Fatal("expected error for invalid upstream URL")
	}
}
