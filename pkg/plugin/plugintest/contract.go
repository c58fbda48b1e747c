// Package plugintest holds the behavioral contract every Flynn plugin must
// satisfy, including the optional interfaces it chooses to implement.
package plugintest

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"go.uber.org/zap"
)

var validHealth = map[string]bool{"healthy": true, "degraded": true, "unhealthy": true}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// TestPluginContract runs the contract against fresh instances from factory.
// Plugins are initialized without a store, config or bus, as they are in
// unit tests.
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return notify.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()

	initialized := func(t *testing.T) plugin.Plugin {
		t.Helper()
		p := factory()
		if err := p.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop().Named(p.Info().Name)}); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		return p
	}

	t.Run("info", func(t *testing.T) {
		p := factory()
		info := p.Info()
		if info.Name == "" || strings.ContainsAny(info.Name, " /") {
			t.Errorf("Info().Name = %q, want a non-empty path segment", info.Name)
		}
		if info.Version == "" {
			t.Error("Info().Version must not be empty")
		}
		if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
			t.Errorf("Info().APIVersion = %d, want %d..%d", info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
		}
		for _, dep := range info.Dependencies {
			if dep == info.Name {
				t.Errorf("%s depends on itself", info.Name)
			}
		}
		if again := p.Info(); again.Name != info.Name || again.Version != info.Version {
			t.Error("Info() must return consistent results")
		}
	})

	t.Run("lifecycle", func(t *testing.T) {
		p := initialized(t)
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	})

	t.Run("stop_without_start", func(t *testing.T) {
		if err := initialized(t).Stop(context.Background()); err != nil {
			t.Fatalf("Stop() without Start error = %v", err)
		}
	})

	t.Run("default_config_is_valid", func(t *testing.T) {
		v, ok := initialized(t).(plugin.Validator)
		if !ok {
			t.Skip("not a Validator")
		}
		if err := v.ValidateConfig(); err != nil {
			t.Errorf("ValidateConfig() with defaults = %v", err)
		}
	})

	t.Run("health", func(t *testing.T) {
		hc, ok := initialized(t).(plugin.HealthChecker)
		if !ok {
			t.Skip("not a HealthChecker")
		}
		if hs := hc.Health(context.Background()); !validHealth[hs.Status] {
			t.Errorf("Health().Status = %q, want healthy, degraded or unhealthy", hs.Status)
		}
	})

	t.Run("routes", func(t *testing.T) {
		hp, ok := initialized(t).(plugin.HTTPProvider)
		if !ok {
			t.Skip("not an HTTPProvider")
		}
		seen := make(map[string]bool)
		for _, r := range hp.Routes() {
			key := r.Method + " " + r.Path
			if !validMethods[r.Method] || !strings.HasPrefix(r.Path, "/") || r.Handler == nil {
				t.Errorf("invalid route %q", key)
			}
			if seen[key] {
				t.Errorf("duplicate route %q", key)
			}
			seen[key] = true
		}
	})

	t.Run("subscriptions", func(t *testing.T) {
		es, ok := initialized(t).(plugin.EventSubscriber)
		if !ok {
			t.Skip("not an EventSubscriber")
		}
		for _, sub := range es.Subscriptions() {
			if sub.Topic == "" || sub.Handler == nil {
				t.Errorf("invalid subscription %+v", sub)
			}
		}
	})
}
