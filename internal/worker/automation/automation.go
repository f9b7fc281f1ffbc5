// Package automation holds the registry of browser automations a worker can
// run. The core never switches on provider strings: every (provider, action)
// pair resolves to an opaque function here.
package automation

import (
	"context"
	"sort"
	"sync"

	"github.com/fiberops/conductor/internal/domain"
)

// Outcome is what an automation hands back to the runtime. A nil Err means
// success; an Err carries the kind the retry policy keys on.
type Outcome struct {
	Result   *domain.Result
	Evidence []domain.Evidence
	Err      *domain.JobError
}

// Automation is one (provider, action) script. Implementations drive a
// browser session against an FNO portal; the runtime enforces the wall-clock
// budget through ctx.
type Automation func(ctx context.Context, params map[string]any) Outcome

type key struct {
	provider string
	action   domain.Action
}

// Registry maps (provider, action) to automations. Populated once at worker
// startup; reads are concurrent.
type Registry struct {
	mu sync.RWMutex
	m  map[key]Automation
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{m: make(map[key]Automation)} }

// Register binds an automation to a (provider, action) pair.
func (r *Registry) Register(provider string, action domain.Action, a Automation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key{provider, action}] = a
}

// Lookup resolves an automation; ok is false for unknown pairs.
func (r *Registry) Lookup(provider string, action domain.Action) (Automation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[key{provider, action}]
	return a, ok
}

// Providers lists the distinct providers with at least one automation.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for k := range r.m {
		seen[k.provider] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Capabilities lists actions per provider for the worker /status endpoint.
func (r *Registry) Capabilities() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for k := range r.m {
		out[k.provider] = append(out[k.provider], string(k.action))
	}
	for _, actions := range out {
		sort.Strings(actions)
	}
	return out
}
