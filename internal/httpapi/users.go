package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stridehq/stride/internal/auth"
	"github.com/stridehq/stride/internal/domain/user"
	"github.com/stridehq/stride/internal/middleware"
	"github.com/stridehq/stride/internal/services/users"
	"github.com/stridehq/stride/internal/svcclient"
)

type userHandler struct {
	svc *users.Service
}

// NewUserRouter builds the user service router: public profile routes behind
// the bearer verifier, internal mutation routes behind the service token.
func NewUserRouter(svc *users.Service, verifier auth.Verifier, serviceToken string, mw ...mux.MiddlewareFunc) http.Handler {
	h := &userHandler{svc: svc}

	r := mux.NewRouter()
	r.Use(mw...)

	r.HandleFunc("/healthz", healthHandler("users")).Methods(http.MethodGet)

	public := r.PathPrefix("/api/v1/users").Subrouter()
	public.Use(middleware.Auth(verifier, "/api/v1/users/ping"))
	public.HandleFunc("/ping", pingHandler).Methods(http.MethodGet)
	public.HandleFunc("", h.register).Methods(http.MethodPost)
	public.HandleFunc("", h.list).Methods(http.MethodGet)
	public.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	public.HandleFunc("/{id}", h.update).Methods(http.MethodPut)
	public.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
	public.HandleFunc("/{id}/group", h.groupRef).Methods(http.MethodGet)
	public.HandleFunc("/{id}/steps", h.steps).Methods(http.MethodGet)

	internal := r.PathPrefix("/internal/users").Subrouter()
	internal.Use(middleware.ServiceAuth(serviceToken))
	internal.HandleFunc("/reset", h.reset).Methods(http.MethodPost)
	internal.HandleFunc("/{id}", h.internalGet).Methods(http.MethodGet)
	internal.HandleFunc("/{id}/group-ref", h.setGroupRef).Methods(http.MethodPut)
	internal.HandleFunc("/{id}/steps", h.applyStepDelta).Methods(http.MethodPut)

	return r
}

func (h *userHandler) register(w http.ResponseWriter, r *http.Request) {
	var payload user.User
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	// The record is keyed by the authenticated subject, not by a
	// client-chosen ID.
	if sub, ok := middleware.SubjectFrom(r.Context()); ok {
		payload.ID = sub.ID
	}

	created, err := h.svc.Register(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *userHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nameAlso := q.Get("name_also") != "false"
	loose := q.Get("loose") != "false"

	list, err := h.svc.List(r.Context(), q.Get("nickname"), nameAlso, loose)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []user.User{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *userHandler) get(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *userHandler) update(w http.ResponseWriter, r *http.Request) {
	var payload user.User
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	payload.ID = mux.Vars(r)["id"]

	updated, err := h.svc.UpdateProfile(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *userHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// groupRef responds 204 when the user has no group, matching the contract
// the group service's membership check relies on.
func (h *userHandler) groupRef(w http.ResponseWriter, r *http.Request) {
	ref, err := h.svc.GroupRefOf(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if ref == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"group_id": ref})
}

func (h *userHandler) steps(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"daily_steps":  u.DailySteps,
		"weekly_steps": u.WeeklySteps,
	})
}

func (h *userHandler) internalGet(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *userHandler) setGroupRef(w http.ResponseWriter, r *http.Request) {
	var payload svcclient.GroupRefRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.SetGroupRef(r.Context(), mux.Vars(r)["id"], payload, idempotencyKey(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *userHandler) applyStepDelta(w http.ResponseWriter, r *http.Request) {
	var payload svcclient.StepDeltaRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.ApplyStepDelta(r.Context(), mux.Vars(r)["id"], payload.DailyDelta, payload.WeeklyDelta, idempotencyKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *userHandler) reset(w http.ResponseWriter, r *http.Request) {
	var payload svcclient.ResetRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.ResetSteps(r.Context(), payload.Scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
