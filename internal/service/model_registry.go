package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/litellm"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/broadcast"
)

// ModelLister lists the models the LiteLLM proxy serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]litellm.Model, error)
}

// ModelHealthEvent is broadcast when the set of missing reviewer models
// changes.
type ModelHealthEvent struct {
	Available []string  `json:"available"`
	Missing   []string  `json:"missing"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelRegistry keeps the proxy's model list in memory, refreshed
// periodically, and reports which reviewer models the proxy does not serve.
type ModelRegistry struct {
	mu          sync.RWMutex
	models      []litellm.Model
	missing     []string
	lastRefresh time.Time

	llm      ModelLister
	hub      broadcast.Broadcaster
	required []string
	interval time.Duration
}

// NewModelRegistry creates a registry that checks the required models.
// Pass interval <= 0 to disable periodic polling (manual refresh only).
func NewModelRegistry(llm ModelLister, hub broadcast.Broadcaster, required []string, interval time.Duration) *ModelRegistry {
	req := slices.Clone(required)
	slices.Sort(req)
	return &ModelRegistry{
		llm:      llm,
		hub:      hub,
		required: slices.Compact(req),
		interval: interval,
	}
}

// Start performs a first refresh synchronously, then refreshes on the
// configured interval until ctx is cancelled.
func (r *ModelRegistry) Start(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("model registry: initial refresh failed", "error", err)
	}
	if r.interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					slog.Warn("model registry: periodic refresh failed", "error", err)
				}
			}
		}
	}()
}

// Refresh reloads the model list. A change in missing models is logged and
// broadcast.
func (r *ModelRegistry) Refresh(ctx context.Context) error {
	models, err := r.llm.ListModels(ctx)
	if err != nil {
		return err
	}

	served := make(map[string]bool, len(models))
	for i := range models {
		served[models[i].ModelName] = true
	}
	missing := []string{}
	for _, m := range r.required {
		if !served[m] {
			missing = append(missing, m)
		}
	}

	r.mu.Lock()
	changed := r.lastRefresh.IsZero() || !slices.Equal(r.missing, missing)
	r.models = models
	r.missing = missing
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	if !changed {
		return nil
	}
	if len(missing) > 0 {
		slog.Warn("model registry: reviewer models not served", "missing", missing)
	}
	if r.hub != nil {
		names := make([]string, 0, len(models))
		for i := range models {
			names = append(names, models[i].ModelName)
		}
		r.hub.BroadcastEvent(ctx, broadcast.EventModelHealth, ModelHealthEvent{
			Available: names,
			Missing:   missing,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// Models returns a copy of the cached model list.
func (r *ModelRegistry) Models() []litellm.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.models)
}

// Missing returns the required models the proxy did not list at the last
// refresh.
func (r *ModelRegistry) Missing() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.missing)
}

// LastRefresh returns when the registry was last refreshed.
func (r *ModelRegistry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
