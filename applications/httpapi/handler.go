// Package httpapi exposes the hub's REST surface over the State Machine,
// Automation Engine, and Service Registry, per the dispatch contract in
// spec §6: GET /states, GET /states/{id}, POST /states/{id},
// POST /events/{type}, POST /services/{domain}/{service}.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hearthctl/hub/domain/entity"
)

// StateMachine is the subset of internal/statemachine.Store the HTTP
// surface depends on.
type StateMachine interface {
	Get(entityID string) (entity.State, bool)
	GetAll() []entity.State
	Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State
}

// AutomationEngine is the subset of internal/automationengine.Engine the
// HTTP surface depends on, for the /events dispatch path.
type AutomationEngine interface {
	OnEvent(eventType string, data map[string]any) []string
}

// ServiceRegistry is the subset of internal/registry.Registry the HTTP
// surface depends on.
type ServiceRegistry interface {
	Call(domain, service string, entityIDs []string, data map[string]any, ctx entity.Context) ([]entity.State, error)
}

// Handler wires the three core subsystems to HTTP handlers.
type Handler struct {
	sm       StateMachine
	engine   AutomationEngine
	registry ServiceRegistry
	audit    *auditLog
}

// NewHandler builds a Handler over the given core components.
func NewHandler(sm StateMachine, engine AutomationEngine, registry ServiceRegistry) *Handler {
	return &Handler{sm: sm, engine: engine, registry: registry, audit: newAuditLog(512)}
}

// Mount registers every route on mux, wrapping them with bearer-token or
// JWT auth and request auditing. jwtSecret takes precedence when
// non-empty; otherwise token enforces the static shared-secret mode.
// Both empty means the hub runs open, per §6.
func (h *Handler) Mount(mux *http.ServeMux, token string, jwtSecret []byte) {
	auth := func(fn http.HandlerFunc) http.HandlerFunc {
		if len(jwtSecret) > 0 {
			return requireJWT(jwtSecret, fn)
		}
		return requireBearerToken(token, fn)
	}

	mountRoutes(mux,
		route{pattern: "/states", method: http.MethodGet, handler: auth(h.handleGetStates)},
		route{pattern: "/states/", handler: auth(h.handleStateByID)},
		route{pattern: "/events/", method: http.MethodPost, handler: auth(h.handlePostEvent)},
		route{pattern: "/services/", method: http.MethodPost, handler: auth(h.handlePostService)},
		route{pattern: "/healthz", method: http.MethodGet, handler: h.handleHealthz},
	)
}

// WrapAudit wraps next with the request-audit wrapper; exported so cmd/hub
// can wrap the whole mux in one call.
func (h *Handler) WrapAudit(next http.Handler) http.Handler {
	return wrapWithAudit(next, h.audit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) handleGetStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sm.GetAll())
}

func (h *Handler) handleStateByID(w http.ResponseWriter, r *http.Request) {
	entityID := strings.TrimPrefix(r.URL.Path, "/states/")
	if entityID == "" || strings.Contains(entityID, "/") {
		writeError(w, http.StatusNotFound, "unknown entity")
		return
	}
	switch r.Method {
	case http.MethodGet:
		st, ok := h.sm.Get(entityID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown entity")
			return
		}
		writeJSON(w, http.StatusOK, st)
	case http.MethodPost:
		var body struct {
			State      string            `json:"state"`
			Attributes entity.Attributes `json:"attributes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		st := h.sm.Set(entityID, body.State, body.Attributes, entity.NewContext())
		writeJSON(w, http.StatusOK, st)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	eventType := strings.TrimPrefix(r.URL.Path, "/events/")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "event type required")
		return
	}
	var data map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&data)
	}
	fired := h.engine.OnEvent(eventType, data)
	writeJSON(w, http.StatusOK, map[string]any{"fired_automations": fired})
}

func (h *Handler) handlePostService(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/services/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "unknown service")
		return
	}
	domain, service := parts[0], parts[1]

	var body struct {
		EntityID string         `json:"entity_id"`
		Target   []string       `json:"target"`
		Data     map[string]any `json:"data"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	targets := body.Target
	if len(targets) == 0 && body.EntityID != "" {
		targets = []string{body.EntityID}
	}

	states, err := h.registry.Call(domain, service, targets, body.Data, entity.NewContext())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}
