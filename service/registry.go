package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/krau/plantdoc/config"
)

// OpenFunc loads the model artifact for one configured plant.
type OpenFunc func(ctx context.Context, p config.Profile) (Model, error)

// Registry maps plant types to their profiles. It is never modified after
// construction, so lookups need no locking.
type Registry struct {
	profiles map[string]PlantProfile
	order    []string
}

// NewRegistry builds a registry from profiles that already hold their
// models. Later duplicates of a key are ignored.
func NewRegistry(profiles ...PlantProfile) *Registry {
	r := &Registry{profiles: make(map[string]PlantProfile, len(profiles))}
	for _, p := range profiles {
		if _, ok := r.profiles[p.Key]; ok {
			continue
		}
		r.profiles[p.Key] = p
		r.order = append(r.order, p.Key)
	}
	return r
}

// LoadRegistry opens every configured plant's model in order. Any failure
// closes the models opened so far and returns an error; there is no
// partially loaded registry.
func LoadRegistry(ctx context.Context, plants []config.Profile, open OpenFunc) (*Registry, error) {
	loaded := make([]PlantProfile, 0, len(plants))
	fail := func(err error) (*Registry, error) {
		NewRegistry(loaded...).Close()
		return nil, err
	}

	seen := make(map[string]bool, len(plants))
	for _, p := range plants {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if seen[p.Key] {
			return fail(fmt.Errorf("plant %q configured twice", p.Key))
		}
		seen[p.Key] = true

		slog.Info("Loading model", slog.String("plant", p.Key), slog.String("path", p.ModelPath))
		m, err := open(ctx, p)
		if err != nil {
			return fail(fmt.Errorf("load model for %q: %w", p.Key, err))
		}
		if m == nil {
			return fail(fmt.Errorf("load model for %q: no model returned", p.Key))
		}
		if n := m.OutputSize(); n != len(p.Classes) {
			m.Close()
			return fail(fmt.Errorf("plant %q: model has %d outputs but %d classes are configured", p.Key, n, len(p.Classes)))
		}

		name := p.Name
		if name == "" {
			name = p.Key
		}
		labels := make([]string, len(p.Classes))
		copy(labels, p.Classes)
		loaded = append(loaded, PlantProfile{
			Key:        p.Key,
			Name:       name,
			Labels:     labels,
			Activation: p.Activation,
			Model:      m,
		})
	}
	slog.Info("All models loaded", slog.Int("count", len(loaded)))
	return NewRegistry(loaded...), nil
}

// Lookup returns the profile for plantType.
func (r *Registry) Lookup(plantType string) (PlantProfile, bool) {
	p, ok := r.profiles[plantType]
	return p, ok
}

// Profiles returns all profiles in configured order.
func (r *Registry) Profiles() []PlantProfile {
	out := make([]PlantProfile, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.profiles[k])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Close releases every model handle.
func (r *Registry) Close() error {
	var errs []error
	for _, k := range r.order {
		if m := r.profiles[k].Model; m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", k, err))
			}
		}
	}
	return errors.Join(errs...)
}
