package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stridehq/stride/internal/auth"
	"github.com/stridehq/stride/internal/domain/group"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/middleware"
	"github.com/stridehq/stride/internal/services/groups"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/svcclient"
)

type groupHandler struct {
	svc      *groups.Service
	pendings storage.PendingStore
}

// NewGroupRouter builds the group service router.
func NewGroupRouter(svc *groups.Service, pendings storage.PendingStore, verifier auth.Verifier, serviceToken string, mw ...mux.MiddlewareFunc) http.Handler {
	h := &groupHandler{svc: svc, pendings: pendings}

	r := mux.NewRouter()
	r.Use(mw...)

	r.HandleFunc("/healthz", healthHandler("groups")).Methods(http.MethodGet)

	public := r.PathPrefix("/api/v1/groups").Subrouter()
	public.Use(middleware.Auth(verifier, "/api/v1/groups/ping"))
	public.HandleFunc("/ping", pingHandler).Methods(http.MethodGet)
	public.HandleFunc("", h.create).Methods(http.MethodPost)
	public.HandleFunc("", h.list).Methods(http.MethodGet)
	public.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	public.HandleFunc("/{id}", h.update).Methods(http.MethodPut)
	public.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
	public.HandleFunc("/{id}/members", h.members).Methods(http.MethodGet)
	public.HandleFunc("/{id}/members/{userID}", h.addMember).Methods(http.MethodPost)
	public.HandleFunc("/{id}/members/{userID}", h.removeMember).Methods(http.MethodDelete)

	internal := r.PathPrefix("/internal/groups").Subrouter()
	internal.Use(middleware.ServiceAuth(serviceToken))
	internal.HandleFunc("/reset", h.reset).Methods(http.MethodPost)
	internal.HandleFunc("/pending-ops", pendingOpsHandler(h.pendings)).Methods(http.MethodGet)
	internal.HandleFunc("/{id}/aggregate", h.applyAggregate).Methods(http.MethodPut)

	return r
}

func (h *groupHandler) create(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Nickname string `json:"nickname"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	sub, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		writeError(w, serrors.Unauthorized("no authenticated subject"))
		return
	}

	created, err := h.svc.Create(r.Context(), sub.ID, payload.Nickname, payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *groupHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nameAlso := q.Get("name_also") != "false"
	loose := q.Get("loose") != "false"

	list, err := h.svc.List(r.Context(), q.Get("nickname"), nameAlso, loose)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []group.Group{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *groupHandler) get(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *groupHandler) update(w http.ResponseWriter, r *http.Request) {
	var payload group.Group
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

func (h *groupHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *groupHandler) members(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"members": members})
}

func (h *groupHandler) addMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.AddMember(r.Context(), vars["id"], vars["userID"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "member added"})
}

func (h *groupHandler) removeMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.RemoveMember(r.Context(), vars["id"], vars["userID"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "member removed"})
}

func (h *groupHandler) applyAggregate(w http.ResponseWriter, r *http.Request) {
	var payload svcclient.AggregateRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.ApplyAggregate(r.Context(), mux.Vars(r)["id"], payload.DailyDelta, payload.WeeklyDelta, idempotencyKey(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *groupHandler) reset(w http.ResponseWriter, r *http.Request) {
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
