package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stridehq/stride/internal/auth"
	"github.com/stridehq/stride/internal/domain/user"
	"github.com/stridehq/stride/internal/idempotency"
	"github.com/stridehq/stride/internal/services/users"
	"github.com/stridehq/stride/internal/storage/memory"
	"github.com/stridehq/stride/internal/svcclient"
)

const testServiceToken = "internal-secret"

func newUserServer(t *testing.T) (http.Handler, *users.Service) {
	t.Helper()
	store := memory.New()
	svc := users.New(store, idempotency.NewMemoryStore(time.Hour), nil)
	verifier := auth.NewStaticVerifier(map[string]string{"ann-token": "u-ann"})
	return NewUserRouter(svc, verifier, testServiceToken), svc
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRegisterUsesAuthenticatedSubject(t *testing.T) {
	handler, _ := newUserServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/v1/users", "ann-token",
		`{"id":"spoofed","nickname":"ann"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var created user.User
	json.NewDecoder(w.Body).Decode(&created)
	if created.ID != "u-ann" {
		t.Fatalf("id = %q, want the token subject", created.ID)
	}
}

func TestPublicRoutesRequireBearer(t *testing.T) {
	handler, _ := newUserServer(t)

	w := doJSON(t, handler, http.MethodGet, "/api/v1/users", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}

	w = doJSON(t, handler, http.MethodGet, "/api/v1/users", "bogus", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", w.Code)
	}

	// Ping stays open.
	w = doJSON(t, handler, http.MethodGet, "/api/v1/users/ping", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ping: status = %d, want 200", w.Code)
	}
}

func TestGroupEndpointReturns204WhenNoGroup(t *testing.T) {
	handler, svc := newUserServer(t)
	ctx := context.Background()
	svc.Register(ctx, user.User{ID: "u-ann", Nickname: "ann"})

	w := doJSON(t, handler, http.MethodGet, "/api/v1/users/u-ann/group", "ann-token", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	svc.SetGroupRef(ctx, "u-ann", svcclient.GroupRefRequest{GroupID: "g1"}, "k1")
	w = doJSON(t, handler, http.MethodGet, "/api/v1/users/u-ann/group", "ann-token", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var payload map[string]string
	json.NewDecoder(w.Body).Decode(&payload)
	if payload["group_id"] != "g1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestInternalRoutesRequireServiceToken(t *testing.T) {
	handler, svc := newUserServer(t)
	svc.Register(context.Background(), user.User{ID: "u-ann", Nickname: "ann"})

	w := doJSON(t, handler, http.MethodGet, "/internal/users/u-ann", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no service token: status = %d, want 401", w.Code)
	}

	w = doJSON(t, handler, http.MethodGet, "/internal/users/u-ann", "", "",
		map[string]string{"X-Service-Token": testServiceToken})
	if w.Code != http.StatusOK {
		t.Fatalf("with service token: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestInternalStepDelta(t *testing.T) {
	handler, svc := newUserServer(t)
	svc.Register(context.Background(), user.User{ID: "u-ann", Nickname: "ann"})

	headers := map[string]string{
		"X-Service-Token": testServiceToken,
		"Idempotency-Key": "k1",
	}
	w := doJSON(t, handler, http.MethodPut, "/internal/users/u-ann/steps", "",
		`{"daily_delta":250,"weekly_delta":250}`, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var result svcclient.StepDeltaResult
	json.NewDecoder(w.Body).Decode(&result)
	if result.DailySteps != 250 {
		t.Fatalf("daily = %d, want 250", result.DailySteps)
	}

	// Negative delta surfaces as a 400.
	w = doJSON(t, handler, http.MethodPut, "/internal/users/u-ann/steps", "",
		`{"daily_delta":-1,"weekly_delta":0}`, headers)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative delta status = %d, want 400", w.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	handler, _ := newUserServer(t)

	w := doJSON(t, handler, http.MethodGet, "/api/v1/users/missing", "ann-token", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var payload map[string]interface{}
	json.NewDecoder(w.Body).Decode(&payload)
	if payload["code"] != "not_found" {
		t.Fatalf("error body = %v", payload)
	}
}

func TestMalformedBody(t *testing.T) {
	handler, _ := newUserServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/v1/users", "ann-token", `{"nickname":`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	handler, _ := newUserServer(t)
	w := doJSON(t, handler, http.MethodGet, "/healthz", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
