package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides module management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by every write.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Module // Cached modules by ID
	cacheMu sync.RWMutex       // Protects cache
	logger  Logger
}

// NewRegistry creates a new module registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Module),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all modules from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	modules, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Module, len(modules))
	for i := range modules {
		m := modules[i]
		r.cache[m.ID] = m.DeepCopy()
	}

	r.logger.Info("module cache refreshed", "count", len(modules))
	return nil
}

// SeedModule creates or updates the record of a configured module.
// Persisted state survives the seed unless the module type changed.
func (r *Registry) SeedModule(ctx context.Context, module *Module) error {
	if err := module.Validate(); err != nil {
		return err
	}

	if err := r.repo.Upsert(ctx, module); err != nil {
		return err
	}

	stored, err := r.repo.GetByID(ctx, module.ID)
	if err != nil {
		return fmt.Errorf("reloading seeded module: %w", err)
	}

	r.cacheMu.Lock()
	r.cache[stored.ID] = stored
	r.cacheMu.Unlock()

	r.logger.Debug("module seeded", "id", module.ID, "type", module.Type, "address", module.Address)
	return nil
}

// SetModuleState stores the latest value of one channel.
// This is optimised for frequent updates from the bus.
func (r *Registry) SetModuleState(ctx context.Context, id, channel string, value any, at time.Time) error {
	// Normalise through JSON so the cache holds what a reload would return.
	patch, err := normaliseState(State{channel: value})
	if err != nil {
		return err
	}

	if err := r.repo.UpdateState(ctx, id, patch, at); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		if updated.State == nil {
			updated.State = State{}
		}
		if v := patch[channel]; v == nil {
			delete(updated.State, channel)
		} else {
			updated.State[channel] = v
		}
		seen := at.UTC()
		updated.StateUpdatedAt = &seen
		updated.LastSeen = &seen
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	return nil
}

// SetModuleStatus stores the module status and an optional detail.
func (r *Registry) SetModuleStatus(ctx context.Context, id string, status Status, detail string) error {
	if err := r.repo.UpdateStatus(ctx, id, status, detail); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Status = status
		updated.StatusDetail = detail
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("module status updated", "id", id, "status", status)
	return nil
}

// GetModule retrieves a module by ID.
// The returned module is a deep copy; callers can safely modify it.
func (r *Registry) GetModule(ctx context.Context, id string) (*Module, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	m, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = m.DeepCopy()
	r.cacheMu.Unlock()

	return m, nil
}

// ListModules returns all cached modules ordered by ID.
// The returned modules are deep copies; callers can safely modify them.
func (r *Registry) ListModules(_ context.Context) []Module {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	modules := make([]Module, 0, len(r.cache))
	for _, m := range r.cache {
		modules = append(modules, *m.DeepCopy())
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })
	return modules
}

// ModulesByStatus returns the cached modules with the given status.
func (r *Registry) ModulesByStatus(status Status) []Module {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var modules []Module
	for _, m := range r.cache {
		if m.Status == status {
			modules = append(modules, *m.DeepCopy())
		}
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })
	return modules
}

// DeleteModule removes a module.
func (r *Registry) DeleteModule(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("module deleted", "id", id)
	return nil
}

// ModuleCount returns the number of cached modules.
func (r *Registry) ModuleCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalModules int
	ByStatus     map[Status]int
	ByType       map[string]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalModules: len(r.cache),
		ByStatus:     make(map[Status]int),
		ByType:       make(map[string]int),
	}

	for _, m := range r.cache {
		stats.ByStatus[m.Status]++
		stats.ByType[m.Type]++
	}

	return stats
}

func normaliseState(s State) (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshalling state: %w", err)
	}
	out := State{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}
	return out, nil
}
