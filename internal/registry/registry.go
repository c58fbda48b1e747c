// Package registry owns the lifecycle of Flynn's modules: registration,
// dependency ordering, initialization, event wiring, and shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"go.uber.org/zap"
)

// ErrDependencyCycle is returned by Validate when plugin dependencies form a cycle.
var ErrDependencyCycle = errors.New("plugin dependency cycle")

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	order    []string // dependency order, set by Validate
	disabled map[string]bool
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a plugin. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// Validate checks API versions and dependencies, disables optional plugins
// that cannot run, and computes the start order. A required plugin that
// cannot run is an error.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNames() {
		info := r.infos[name]
		if err := r.checkAPIVersion(info); err != nil {
			if err := r.disable(info, "incompatible plugin API version", err); err != nil {
				return err
			}
		}
	}

	for _, name := range r.sortedNames() {
		info := r.infos[name]
		if r.disabled[name] {
			continue
		}
		for _, dep := range info.Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				if err := r.disable(info, "missing dependency", fmt.Errorf("plugin %q depends on %q which is not registered", name, dep)); err != nil {
					return err
				}
				break
			}
		}
	}

	// Propagate until no dependent of a disabled plugin is left active.
	for changed := true; changed; {
		changed = false
		for _, name := range r.sortedNames() {
			info := r.infos[name]
			if r.disabled[name] {
				continue
			}
			for _, dep := range info.Dependencies {
				if !r.disabled[dep] {
					continue
				}
				if err := r.disable(info, "dependency disabled", fmt.Errorf("plugin %q cannot start: dependency %q is disabled", name, dep)); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	order, err := r.topologicalSort()
	if err != nil {
		return err
	}
	r.order = order

	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", r.order),
		zap.Int("active", len(r.order)),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

// disable marks an optional plugin disabled, or returns cause for a required one.
func (r *Registry) disable(info plugin.PluginInfo, reason string, cause error) error {
	if info.Required {
		return fmt.Errorf("required %w", cause)
	}
	r.logger.Warn("disabling plugin",
		zap.String("name", info.Name),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	r.disabled[info.Name] = true
	return nil
}

// InitAll initializes active plugins in dependency order, validates their
// config, and subscribes EventSubscriber handlers to deps.Bus.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		info := r.infos[name]

		r.logger.Info("initializing plugin", zap.String("name", name))
		deps := depsFn(name)
		if err := guard(name, "Init", func() error { return p.Init(ctx, deps) }); err != nil {
			if info.Required {
				return fmt.Errorf("required plugin %q failed to initialize: %w", name, err)
			}
			r.logger.Error("optional plugin failed to initialize, disabling",
				zap.String("name", name), zap.Error(err))
			r.disabled[name] = true
			continue
		}

		if v, ok := p.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				if info.Required {
					return fmt.Errorf("required plugin %q config validation failed: %w", name, err)
				}
				r.logger.Error("optional plugin config validation failed, disabling",
					zap.String("name", name), zap.Error(err))
				r.disabled[name] = true
				continue
			}
		}

		if es, ok := p.(plugin.EventSubscriber); ok && deps.Bus != nil {
			for _, sub := range es.Subscriptions() {
				deps.Bus.Subscribe(sub.Topic, sub.Handler)
				r.logger.Debug("event subscription wired",
					zap.String("plugin", name), zap.String("topic", sub.Topic))
			}
		}
	}
	return nil
}

// StartAll starts initialized plugins in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := guard(name, "Start", func() error { return p.Start(ctx) }); err != nil {
			if r.infos[name].Required {
				return fmt.Errorf("required plugin %q failed to start: %w", name, err)
			}
			r.logger.Error("optional plugin failed to start, disabling",
				zap.String("name", name), zap.Error(err))
			r.disabled[name] = true
		}
	}
	return nil
}

// StopAll stops active plugins in reverse dependency order. Errors and
// panics are logged; every plugin gets its Stop call.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range slices.Backward(r.order) {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := guard(name, "Stop", func() error { return p.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// guard runs a lifecycle call, converting a panic into an error.
func guard(name, phase string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked in %s: %v", name, phase, rec)
		}
	}()
	return fn()
}

// Get returns an active plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || r.disabled[name] {
		return nil, false
	}
	return p, true
}

// All returns active plugins in dependency order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// PluginStatus is the listing form of a registered plugin.
type PluginStatus struct {
	plugin.PluginInfo
	Enabled bool `json:"enabled"`
}

// Statuses lists every registered plugin, active ones first in start order.
func (r *Registry) Statuses() []PluginStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginStatus, 0, len(r.infos))
	seen := make(map[string]bool, len(r.order))
	for _, name := range r.order {
		seen[name] = true
		out = append(out, PluginStatus{PluginInfo: r.infos[name], Enabled: !r.disabled[name]})
	}
	for _, name := range r.sortedNames() {
		if !seen[name] {
			out = append(out, PluginStatus{PluginInfo: r.infos[name], Enabled: false})
		}
	}
	return out
}

// AllRoutes returns the routes of every active HTTPProvider, keyed by plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

// HealthAll collects the status of every active HealthChecker.
func (r *Registry) HealthAll(ctx context.Context) map[string]plugin.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]plugin.HealthStatus)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hc, ok := r.plugins[name].(plugin.HealthChecker); ok {
			out[name] = hc.Health(ctx)
		}
	}
	return out
}

// Resolve implements plugin.PluginResolver.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	return r.Get(name)
}

// ResolveByRole returns active plugins that declare role, in dependency order.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []plugin.Plugin
	for _, name := range r.order {
		if !r.disabled[name] && slices.Contains(r.infos[name].Roles, role) {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// IsDisabled reports whether a plugin has been disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// checkAPIVersion validates a plugin's API version against the supported range.
func (r *Registry) checkAPIVersion(info plugin.PluginInfo) error {
	switch {
	case info.APIVersion < plugin.APIVersionMin:
		return fmt.Errorf("plugin %q targets plugin API v%d, minimum supported is v%d",
			info.Name, info.APIVersion, plugin.APIVersionMin)
	case info.APIVersion > plugin.APIVersionCurrent:
		return fmt.Errorf("plugin %q targets plugin API v%d, newest supported is v%d",
			info.Name, info.APIVersion, plugin.APIVersionCurrent)
	case info.APIVersion < plugin.APIVersionCurrent:
		r.logger.Warn("plugin targets an older plugin API",
			zap.String("name", info.Name),
			zap.Int("api_version", info.APIVersion),
			zap.Int("current", plugin.APIVersionCurrent),
		)
	}
	return nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.infos))
	for name := range r.infos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// topologicalSort orders active plugins with Kahn's algorithm. Ties are
// broken by name so the order is stable across runs.
func (r *Registry) topologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)

	active := make([]string, 0, len(r.plugins))
	for _, name := range r.sortedNames() {
		if !r.disabled[name] {
			active = append(active, name)
			inDegree[name] = 0
		}
	}
	for _, name := range active {
		for _, dep := range r.infos[name].Dependencies {
			if _, ok := inDegree[dep]; ok {
				inDegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	var queue []string
	for _, name := range active {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(active))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, d := range dependents[name] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(order) != len(active) {
		var cycled []string
		for _, name := range active {
			if inDegree[name] > 0 {
				cycled = append(cycled, name)
			}
		}
		return nil, fmt.Errorf("%w among %v", ErrDependencyCycle, cycled)
	}
	return order, nil
}
