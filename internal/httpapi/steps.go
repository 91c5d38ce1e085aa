package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stridehq/stride/internal/auth"
	"github.com/stridehq/stride/internal/domain/pending"
	"github.com/stridehq/stride/internal/middleware"
	"github.com/stridehq/stride/internal/services/steps"
	"github.com/stridehq/stride/internal/storage"
)

type stepsHandler struct {
	svc      *steps.Service
	pendings storage.PendingStore
}

// NewStepsRouter builds the steps service router.
func NewStepsRouter(svc *steps.Service, pendings storage.PendingStore, verifier auth.Verifier, serviceToken string, mw ...mux.MiddlewareFunc) http.Handler {
	h := &stepsHandler{svc: svc, pendings: pendings}

	r := mux.NewRouter()
	r.Use(mw...)

	r.HandleFunc("/healthz", healthHandler("steps")).Methods(http.MethodGet)

	public := r.PathPrefix("/api/v1/steps").Subrouter()
	public.Use(middleware.Auth(verifier, "/api/v1/steps/ping"))
	public.HandleFunc("/ping", pingHandler).Methods(http.MethodGet)
	public.HandleFunc("/{userID}", h.addSteps).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal/steps").Subrouter()
	internal.Use(middleware.ServiceAuth(serviceToken))
	internal.HandleFunc("/pending-ops", pendingOpsHandler(h.pendings)).Methods(http.MethodGet)

	return r
}

func (h *stepsHandler) addSteps(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Steps          int    `json:"steps"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	// The key may arrive in the body or the standard header; the header
	// wins when both are present.
	key := idempotencyKey(r)
	if key == "" {
		key = payload.IdempotencyKey
	}

	result, err := h.svc.AddSteps(r.Context(), mux.Vars(r)["userID"], payload.Steps, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// pendingOpsHandler exposes the pending-op log for operators: ops still
// being retried and ops escalated as inconsistencies.
func pendingOpsHandler(store storage.PendingStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pendingOps, err := store.ListPendingOps(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		inconsistent, err := store.ListInconsistentOps(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if pendingOps == nil {
			pendingOps = []pending.Op{}
		}
		if inconsistent == nil {
			inconsistent = []pending.Op{}
		}
		writeJSON(w, http.StatusOK, map[string][]pending.Op{
			"pending":      pendingOps,
			"inconsistent": inconsistent,
		})
	}
}
