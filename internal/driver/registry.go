package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/flywheelhq/flywheel/internal/logging"
)

// Factory constructs a driver instance on first use.
type Factory func() (Driver, error)

// Registration binds a driver type to its factory and static metadata.
type Registration struct {
	Factory      Factory
	Description  string
	Capabilities Capabilities
}

// Requirements narrows driver selection. The zero value matches any healthy
// driver.
type Requirements struct {
	// PreferredType is tried first when registered, capability-compliant
	// and healthy.
	PreferredType DriverType

	// Capabilities lists the flags the selected driver must provide.
	Capabilities Capabilities
}

// Registry owns driver factories and lazily-built instances. One instance
// is cached per type for the registry's lifetime.
type Registry struct {
	log *logging.Logger

	mu            sync.Mutex
	registrations map[DriverType]Registration
	order         []DriverType
	instances     map[DriverType]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		log:           log.Sub("driver.registry"),
		registrations: make(map[DriverType]Registration),
		instances:     make(map[DriverType]Driver),
	}
}

// Register binds a driver type to a factory. Re-registering a type replaces
// the previous registration (and drops any cached instance built from it).
func (r *Registry) Register(t DriverType, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.registrations[t]; !exists {
		r.order = append(r.order, t)
	}
	r.registrations[t] = reg
	delete(r.instances, t)
	r.log.Info().Str("type", string(t)).Str("description", reg.Description).Msg("registered driver")
}

// Types returns the registered driver types in registration order.
func (r *Registry) Types() []DriverType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DriverType, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns the registration metadata for a type.
func (r *Registry) Describe(t DriverType) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[t]
	return reg, ok
}

// GetDriver returns the cached instance for a type, constructing it via the
// factory on first request. An unregistered type fails with
// ErrUnknownDriver.
func (r *Registry) GetDriver(t DriverType) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getDriverLocked(t)
}

func (r *Registry) getDriverLocked(t DriverType) (Driver, error) {
	if d, ok := r.instances[t]; ok {
		return d, nil
	}
	reg, ok := r.registrations[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, t)
	}
	d, err := reg.Factory()
	if err != nil {
		return nil, fmt.Errorf("building %s driver: %w", t, err)
	}
	r.instances[t] = d
	return d, nil
}

// SelectDriver picks a driver matching the requirements. A registered,
// capability-compliant and currently healthy preferred type wins; otherwise
// the registered types are scanned with the direct-API type as the implicit
// default, and the first compliant healthy candidate is chosen.
func (r *Registry) SelectDriver(ctx context.Context, req Requirements) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.PreferredType != "" {
		if d, ok := r.candidateLocked(ctx, req.PreferredType, req.Capabilities); ok {
			return d, nil
		}
	}

	candidates := make([]DriverType, 0, len(r.order)+1)
	candidates = append(candidates, TypeAPI)
	for _, t := range r.order {
		if t != TypeAPI {
			candidates = append(candidates, t)
		}
	}

	for _, t := range candidates {
		if t == req.PreferredType {
			continue // already tried
		}
		if d, ok := r.candidateLocked(ctx, t, req.Capabilities); ok {
			return d, nil
		}
	}
	return nil, ErrNoSuitableDriver
}

func (r *Registry) candidateLocked(ctx context.Context, t DriverType, need Capabilities) (Driver, bool) {
	reg, ok := r.registrations[t]
	if !ok {
		return nil, false
	}
	if !reg.Capabilities.Satisfies(need) {
		return nil, false
	}
	d, err := r.getDriverLocked(t)
	if err != nil {
		r.log.Warn().Err(err).Str("type", string(t)).Msg("driver construction failed during selection")
		return nil, false
	}
	if !d.IsHealthy(ctx) {
		return nil, false
	}
	return d, true
}

// CheckHealth queries IsHealthy on every cached instance concurrently and
// returns a map of driver type to result. Only instantiated drivers are
// checked; types never requested report nothing.
func (r *Registry) CheckHealth(ctx context.Context) map[DriverType]bool {
	r.mu.Lock()
	instances := make(map[DriverType]Driver, len(r.instances))
	for t, d := range r.instances {
		instances[t] = d
	}
	r.mu.Unlock()

	results := make(map[DriverType]bool, len(instances))
	var (
		wg sync.WaitGroup
		rm sync.Mutex
	)
	for t, d := range instances {
		wg.Add(1)
		go func(t DriverType, d Driver) {
			defer wg.Done()
			healthy := d.IsHealthy(ctx)
			rm.Lock()
			results[t] = healthy
			rm.Unlock()
		}(t, d)
	}
	wg.Wait()
	return results
}
