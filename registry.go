package conductor

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthState is the advisory health of a backend candidate. Health only
// influences candidate ordering, never exclusion: an unhealthy candidate is
// still attempted if it is all that's left.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

func (h HealthState) rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	default:
		return 2
	}
}

// BackendCandidate describes one capability provider.
type BackendCandidate struct {
	Name         string      `json:"name" yaml:"name"`
	Endpoint     string      `json:"endpoint" yaml:"endpoint"`
	Capabilities []string    `json:"capabilities" yaml:"capabilities"`
	Domains      []string    `json:"domains,omitempty" yaml:"domains,omitempty"`
	Priority     int         `json:"priority" yaml:"priority"`
	Health       HealthState `json:"health,omitempty" yaml:"-"`
}

// HasCapability reports whether the candidate declares the capability.
func (c *BackendCandidate) HasCapability(capability string) bool {
	for _, declared := range c.Capabilities {
		if declared == capability {
			return true
		}
	}
	return false
}

// ServesDomain reports whether the candidate applies to the domain hint. A
// candidate with no declared domains serves every domain, and an empty hint
// matches every candidate.
func (c *BackendCandidate) ServesDomain(domain string) bool {
	if domain == "" || len(c.Domains) == 0 {
		return true
	}
	for _, declared := range c.Domains {
		if declared == domain {
			return true
		}
	}
	return false
}

func (c *BackendCandidate) copy() *BackendCandidate {
	capabilities := make([]string, len(c.Capabilities))
	copy(capabilities, c.Capabilities)
	domains := make([]string, len(c.Domains))
	copy(domains, c.Domains)
	clone := *c
	clone.Capabilities = capabilities
	clone.Domains = domains
	return &clone
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger         *slog.Logger
	HTTPClient     *http.Client
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

// Registry is the catalogue of capability providers. It owns nothing beyond
// its own table; health is refreshed by a background poller started with
// StartHealthChecks.
type Registry struct {
	mutex      sync.RWMutex
	candidates map[string]*BackendCandidate

	logger         *slog.Logger
	client         *http.Client
	healthInterval time.Duration
	healthTimeout  time.Duration
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 3 * time.Second
	}
	return &Registry{
		candidates:     map[string]*BackendCandidate{},
		logger:         opts.Logger,
		client:         opts.HTTPClient,
		healthInterval: opts.HealthInterval,
		healthTimeout:  opts.HealthTimeout,
	}
}

// Register adds a candidate to the registry. Registration is idempotent by
// name: re-registering replaces the prior entry.
func (r *Registry) Register(candidate BackendCandidate) {
	if candidate.Health == "" {
		candidate.Health = HealthUnknown
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.candidates[candidate.Name] = candidate.copy()
}

// MarkHealth sets the advisory health of a named candidate.
func (r *Registry) MarkHealth(name string, health HealthState) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	candidate, ok := r.candidates[name]
	if !ok {
		return NewError(ErrorTypeBackend, "no registered backend %q", name)
	}
	candidate.Health = health
	return nil
}

// Candidates returns the candidates declaring the capability and serving the
// domain hint, ordered healthy before unknown before unhealthy, ties broken
// by priority (lower first) then name.
func (r *Registry) Candidates(capability, domain string) []*BackendCandidate {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var matches []*BackendCandidate
	for _, candidate := range r.candidates {
		if candidate.HasCapability(capability) && candidate.ServesDomain(domain) {
			matches = append(matches, candidate.copy())
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if a, b := matches[i].Health.rank(), matches[j].Health.rank(); a != b {
			return a < b
		}
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority < matches[j].Priority
		}
		return matches[i].Name < matches[j].Name
	})
	return matches
}

// Names returns all registered candidate names, sorted.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.candidates))
	for name := range r.candidates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
