package user

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/juju/errors"

	myMiddleware "pairchat/internal/middleware"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NotValidf("request body"))
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"message":  "Account created successfully",
		"userData": u,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NotValidf("request body"))
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "Login successful",
		"access_token": res.AccessToken,
		"userData":     res.User,
	})
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := myMiddleware.UserID(r.Context()); !ok {
		writeError(w, errors.Unauthorizedf("missing identity"))
		return
	}
	users, err := h.Service.SearchUsers(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

// CheckAuth returns the caller's own profile.
func (h *Handler) CheckAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, errors.Unauthorizedf("missing identity"))
		return
	}
	u, err := h.Service.Me(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "User is authenticated",
		"user":    u,
	})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, errors.Unauthorizedf("missing identity"))
		return
	}
	var req ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NotValidf("request body"))
		return
	}
	u, err := h.Service.UpdateProfile(r.Context(), userID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Profile updated successfully",
		"user":    u,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, errors.NotValid):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, errors.Unauthorized):
		status, message = http.StatusUnauthorized, err.Error()
	case errors.Is(err, errors.NotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, errors.AlreadyExists):
		status, message = http.StatusConflict, "User already exists"
	default:
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
