// Package services implements the Services registry (spec.md §4.8): a
// process-scoped name -> kref map populated once at kernel start, with
// systemOnly entries gated away from ordinary subclusters.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package services

import (
	"golang.org/x/sync/singleflight"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

// Entry is one registered service.
type Entry struct {
	Kref       ids.Kref
	SystemOnly bool
}

// Registry is the process-wide service name -> kref map. Lookups are
// deduplicated with singleflight so a burst of launchSubcluster calls
// resolving the same service name only pays the lookup cost once — the
// teacher's pattern for its target-metadata cache (cluster/meta).
type Registry struct {
	entries map[string]Entry
	group   singleflight.Group
}

// New builds an empty registry; Register populates it at kernel start.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a service. Not safe to call concurrently with
// Lookup; intended for one-time kernel-start population.
func (r *Registry) Register(name string, kref ids.Kref, systemOnly bool) {
	r.entries[name] = Entry{Kref: kref, SystemOnly: systemOnly}
}

// Lookup resolves name for a launch that is (or is not) a system subcluster
// launch. Requesting a systemOnly service from a non-system launch fails
// with ServiceForbidden (spec.md §4.8); requesting an unknown name fails
// with NotFound.
func (r *Registry) Lookup(name string, systemLaunch bool) (ids.Kref, error) {
	v, err, _ := r.group.Do(name, func() (any, error) {
		e, found := r.entries[name]
		if !found {
			return nil, kerr.NewNotFound("unknown service %q", name)
		}
		if e.SystemOnly && !systemLaunch {
			return nil, kerr.NewServiceForbidden("service %q is system-only", name)
		}
		return e.Kref, nil
	})
	if err != nil {
		return "", err
	}
	return v.(ids.Kref), nil
}

// ResolveAll resolves every requested name in one pass, for building a
// subcluster's bootstrap services map; stops at the first error.
func (r *Registry) ResolveAll(names []string, systemLaunch bool) (map[string]ids.Kref, error) {
	out := make(map[string]ids.Kref, len(names))
	for _, n := range names {
		kref, err := r.Lookup(n, systemLaunch)
		if err != nil {
			return nil, err
		}
		out[n] = kref
	}
	return out, nil
}
