package conductor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
}

// StartHealthChecks runs the registry's health poller until ctx is cancelled.
// It polls each candidate's /health endpoint on its own cadence, independent
// of request handling, and writes only the advisory health field.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.healthInterval)
		defer ticker.Stop()

		r.pollOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.pollOnce(ctx)
			}
		}
	}()
}

func (r *Registry) pollOnce(ctx context.Context) {
	for _, name := range r.Names() {
		r.mutex.RLock()
		candidate, ok := r.candidates[name]
		var endpoint string
		if ok {
			endpoint = candidate.Endpoint
		}
		r.mutex.RUnlock()
		if !ok {
			continue
		}

		health := r.checkHealth(ctx, endpoint)
		if err := r.MarkHealth(name, health); err != nil {
			continue
		}
		r.logger.Debug("backend health checked", "backend", name, "health", health)
	}
}

func (r *Registry) checkHealth(ctx context.Context, endpoint string) HealthState {
	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	url := strings.TrimSuffix(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthUnhealthy
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return HealthUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthUnhealthy
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return HealthUnhealthy
	}
	if body.Status != "healthy" {
		return HealthUnhealthy
	}
	return HealthHealthy
}
