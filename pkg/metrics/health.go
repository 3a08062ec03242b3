package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Report is the JSON body of /health and /ready
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusReady     = "ready"
	statusNotReady  = "not_ready"
)

// component is the last reported state of one part of the process
type component struct {
	healthy bool
	message string
	updated time.Time
}

// registry holds component states. Critical components gate readiness;
// every component counts towards health.
type registry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	version    string
	started    time.Time
}

var components = newRegistry()

// ComponentHealthy mirrors the component states as a gauge so alerts do not
// need to scrape the JSON endpoints
var ComponentHealthy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "burrow_component_healthy",
		Help: "1 when the named component reports healthy",
	},
	[]string{"component"},
)

func init() {
	prometheus.MustRegister(ComponentHealthy)
}

func newRegistry() *registry {
	return &registry{
		components: make(map[string]component),
		started:    time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	components.mu.Lock()
	components.version = version
	components.mu.Unlock()
}

// SetCriticalComponents names the components that must be healthy before the
// process reports ready. A scheduler uses "scheduler"; a nanny uses "worker".
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	components.critical = append([]string(nil), names...)
	components.mu.Unlock()
}

// RegisterComponent records the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	components.components[name] = component{healthy: healthy, message: message, updated: time.Now()}
	components.mu.Unlock()

	v := 0.0
	if healthy {
		v = 1
	}
	ComponentHealthy.WithLabelValues(name).Set(v)
}

// UpdateComponent is RegisterComponent for a component already known
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func (r *registry) report(status, message string, parts map[string]string) Report {
	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: parts,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// GetHealth reports unhealthy as soon as any component does
func GetHealth() Report {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := statusHealthy
	parts := make(map[string]string, len(components.components))
	for name, c := range components.components {
		if c.healthy {
			parts[name] = statusHealthy
			continue
		}
		status = statusUnhealthy
		parts[name] = statusUnhealthy + ": " + c.message
	}
	return components.report(status, "", parts)
}

// GetReadiness reports ready once every critical component is healthy. The
// message names the first critical component, in name order, still
// missing.
func GetReadiness() Report {
	components.mu.RLock()
	defer components.mu.RUnlock()

	critical := append([]string(nil), components.critical...)
	sort.Strings(critical)

	status, message := statusReady, ""
	parts := make(map[string]string, len(critical))
	for _, name := range critical {
		c, ok := components.components[name]
		switch {
		case !ok:
			parts[name] = "not registered"
		case !c.healthy:
			parts[name] = "not ready: " + c.message
		default:
			parts[name] = statusReady
			continue
		}
		if status == statusReady {
			status, message = statusNotReady, "waiting for "+name
		}
	}
	return components.report(status, message, parts)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth; unhealthy answers 503
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := GetHealth()
		code := http.StatusOK
		if rep.Status != statusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

// ReadyHandler serves GetReadiness; not ready answers 503
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := GetReadiness()
		code := http.StatusOK
		if rep.Status != statusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

// LivenessHandler answers 200 for as long as the process can serve HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		started := components.started
		components.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	}
}
