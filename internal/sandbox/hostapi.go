package sandbox

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/cache"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/infrastructure/ratelimit"
	"github.com/hearthctl/hub/infrastructure/resilience"
)

// pluginHTTPRateLimit caps how often a single plugin's http_get/http_post
// host calls may fire, independent of the fuel budget, so a misbehaving
// poll-loop script can't turn into a denial-of-service client against
// whatever it's calling.
var pluginHTTPRateLimit = ratelimit.RateLimitConfig{RequestsPerSecond: 5, Burst: 10}

// httpGetCacheTTL bounds how long an http_get result is reused for the same
// URL. Plugins commonly poll the same weather/forecast endpoint on every
// Poll() tick; a short cache spares the upstream from a request every tick
// while still reflecting changes within a minute.
const httpGetCacheTTL = 30 * time.Second

// StateMachine is the subset of the State Machine's contract a guest's
// get_state/set_state host calls need.
type StateMachine interface {
	Get(entityID string) (entity.State, bool)
	Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State
}

// ServiceCaller is the subset of the Service Registry's contract a guest's
// call_service host call needs; it matches internal/registry.Registry.Call
// and the other borrowers of that signature.
type ServiceCaller interface {
	Call(domain, service string, entityIDs []string, data map[string]any, callCtx entity.Context) ([]entity.State, error)
}

// HTTPResult is the host-call result shape for http_get/http_post: a
// timeout or transport error surfaces as status 0 with the error text as
// the body, per §7's "HTTP host call timeout -> {status: 0, body: error}".
type HTTPResult struct {
	Status int
	Body   string
}

// HostAPI is the fixed function table §4.4 exposes identically to both
// guest flavors: log, get_state, set_state, call_service, http_get,
// http_post. A single HostAPI is built per plugin and bound into whichever
// VM (goja or gopher-lua) that plugin's file extension selects.
type HostAPI struct {
	plugin    string
	sm        StateMachine
	services  ServiceCaller
	log       *logging.Logger
	client    *http.Client
	httpLimit *ratelimit.RateLimiter
	httpCache *cache.Cache
	breaker   *resilience.CircuitBreaker
}

func newHostAPI(plugin string, sm StateMachine, services ServiceCaller, log *logging.Logger, httpTimeout time.Duration) *HostAPI {
	h := &HostAPI{
		plugin:    plugin,
		sm:        sm,
		services:  services,
		log:       log,
		client:    &http.Client{Timeout: httpTimeout},
		httpLimit: ratelimit.New(pluginHTTPRateLimit),
		httpCache: cache.NewCache(cache.CacheConfig{DefaultTTL: httpGetCacheTTL, MaxSize: 64, CleanupInterval: time.Minute}),
	}
	h.breaker = resilience.New(resilience.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
		OnStateChange: func(from, to resilience.State) {
			if log != nil {
				log.Info(context.Background(), "plugin host HTTP circuit breaker state change", map[string]interface{}{
					"plugin": plugin, "from": from.String(), "to": to.String(),
				})
			}
		},
	})
	return h
}

// Log appends to the hub log at the named level, defaulting to info for an
// unrecognized level rather than dropping the message.
func (h *HostAPI) Log(level, msg string) {
	ctx := context.Background()
	fields := map[string]interface{}{"plugin": h.plugin}
	switch strings.ToLower(level) {
	case "error":
		h.log.Error(ctx, msg, nil, fields)
	case "warn":
		h.log.Warn(ctx, msg, fields)
	case "debug":
		h.log.Debug(ctx, msg, fields)
	default:
		h.log.Info(ctx, msg, fields)
	}
}

// GetState is a snapshot read; ok is false when the entity id is unknown.
func (h *HostAPI) GetState(entityID string) (state string, attributes map[string]any, ok bool) {
	st, found := h.sm.Get(entityID)
	if !found {
		return "", nil, false
	}
	return st.State, map[string]any(st.Attributes), true
}

// SetState upserts via the State Machine, attributing the write to a fresh,
// unparented context since a plugin call has no caller chain to derive from.
func (h *HostAPI) SetState(entityID, state string, attributes map[string]any) {
	h.sm.Set(entityID, state, entity.Attributes(attributes), entity.NewContext())
}

// CallService dispatches via the Service Registry, reading entity_id out of
// data per §4.4's host API table.
func (h *HostAPI) CallService(domain, service string, data map[string]any) error {
	var entityIDs []string
	if id, ok := data["entity_id"].(string); ok && id != "" {
		entityIDs = []string{id}
	}
	_, err := h.services.Call(domain, service, entityIDs, data, entity.NewContext())
	return err
}

// HTTPGet and HTTPPost block the calling goroutine for the duration of the
// request, never the async runtime, since each guest invocation already
// runs on its own goroutine under the fuel watchdog in fuel.go.
func (h *HostAPI) HTTPGet(url string) HTTPResult {
	if cached, ok := h.httpCache.Get(url); ok {
		return cached.(HTTPResult)
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return HTTPResult{Status: 0, Body: err.Error()}
	}
	result := h.do(req)
	if result.Status > 0 {
		h.httpCache.Set(url, result, 0)
	}
	return result
}

func (h *HostAPI) HTTPPost(url, body string) HTTPResult {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return HTTPResult{Status: 0, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req)
}

// do runs req through the rate limiter and circuit breaker before the
// actual round trip. The breaker trips after repeated failures against the
// same misbehaving or unreachable endpoint, so a plugin that keeps calling
// a dead URL fails fast instead of blocking its fuel window on a new
// connection attempt every tick.
func (h *HostAPI) do(req *http.Request) HTTPResult {
	if !h.httpLimit.Allow() {
		return HTTPResult{Status: 0, Body: "rate limit exceeded: too many host HTTP calls"}
	}
	if h.breaker.State() == resilience.StateOpen {
		return HTTPResult{Status: 0, Body: "circuit open: too many recent failures calling this host"}
	}

	var resp *http.Response
	err := h.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = h.client.Do(req)
		return doErr
	})
	if err != nil {
		return HTTPResult{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResult{Status: resp.StatusCode, Body: err.Error()}
	}
	return HTTPResult{Status: resp.StatusCode, Body: string(body)}
}
