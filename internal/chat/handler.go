package chat

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"pairchat/internal/metrics"
	myMiddleware "pairchat/internal/middleware"
)

// Limits bounds what one client may push at the server.
type Limits struct {
	SignalRate   rate.Limit
	SignalBurst  int
	MaxBodyBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		SignalRate:   20,
		SignalBurst:  40,
		MaxBodyBytes: 4 << 20, // image references may be data URLs
	}
}

type Handler struct {
	hub      *Hub
	service  *Service
	limits   Limits
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler serves the websocket endpoint and the request-style message
// operations. An empty allowedOrigins accepts any origin.
func NewHandler(hub *Hub, service *Service, allowedOrigins []string, limits Limits, m *metrics.Metrics) *Handler {
	origins := set.NewStrings(allowedOrigins...)
	return &Handler{
		hub:     hub,
		service: service,
		limits:  limits,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if origins.IsEmpty() {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && (origins.Contains(origin) || origins.Contains(u.Host))
			},
		},
	}
}

// Routes mounts the protected message API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Route("/api/messages", func(r chi.Router) {
		r.Get("/users", h.Sidebar)
		r.Get("/{id}", h.Conversation)
		r.Post("/send/{id}", h.Send)
		r.Put("/mark/{id}", h.MarkSeen)
		r.Put("/edit/{id}", h.Edit)
		r.Delete("/{id}", h.Delete)
	})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, errors.Unauthorizedf("missing identity"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		logger.Warningf("upgrade for %q: %v", userID, err)
		return
	}

	client := NewClient(h.hub, conn, userID, h.limits, h.metrics)
	h.hub.Connect(userID, client)

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) Sidebar(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(w, r)
	if !ok {
		return
	}
	sidebar, err := h.service.Sidebar(r.Context(), viewer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"users":          sidebar.Users,
		"unseenMessages": sidebar.UnseenMessages,
	})
}

func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(w, r)
	if !ok {
		return
	}
	msgs, err := h.service.Conversation(r.Context(), viewer, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	sender, ok := identity(w, r)
	if !ok {
		return
	}
	var body Body
	if !h.decode(w, r, &body) {
		return
	}
	msg, err := h.service.Send(r.Context(), sender, chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "newMessage": msg})
}

func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkSeen(r.Context(), chi.URLParam(r, "id"), viewer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	msg, err := h.service.Edit(r.Context(), actor, chi.URLParam(r, "id"), body.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	msg, err := h.service.Delete(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": msg.ID})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.NotValidf("request body"))
		return false
	}
	return true
}

func identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, errors.Unauthorizedf("missing identity"))
	}
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}

// StatusOf maps the error taxonomy onto HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, errors.Unauthorized):
		return http.StatusForbidden
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", errors.ErrorStack(err))
		message = "internal error"
	}
	writeJSON(w, status, map[string]any{"success": false, "message": strings.TrimSpace(message)})
}
