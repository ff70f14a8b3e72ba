package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/registry"
)

func userList(us []*registry.User) []*registry.User {
	if us == nil {
		return []*registry.User{}
	}
	return us
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string       `json:"name"`
		Email string       `json:"email"`
		Role  monitor.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid payload")
		return
	}
	u, err := a.registry.CreateUser(r.Context(), body.Name, body.Email, body.Role)
	if err != nil {
		a.fail(w, r, err, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	us, err := a.registry.ListUsers(r.Context(), monitor.Role(r.URL.Query().Get("role")))
	if err != nil {
		a.fail(w, r, err, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, userList(us))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.registry.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleLinkCaregiver(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaregiverID string `json:"caregiverId"`
	}
	if err := decodeBody(r, &body); err != nil || body.CaregiverID == "" {
		writeErr(w, http.StatusBadRequest, "caregiverId is required")
		return
	}
	l, err := a.registry.LinkCaregiver(r.Context(), chi.URLParam(r, "id"), body.CaregiverID)
	if err != nil {
		a.fail(w, r, err, "failed to link caregiver")
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (a *API) handleListCaregivers(w http.ResponseWriter, r *http.Request) {
	us, err := a.registry.CaregiversFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to list caregivers")
		return
	}
	writeJSON(w, http.StatusOK, userList(us))
}
