package provider

import (
	"sort"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// ewmaAlpha weights new latency samples against the running average
const ewmaAlpha = 0.2

// TransitionFunc is invoked when a provider's breaker changes state,
// with a copy of the provider record. Called outside the registry lock
// is not guaranteed; handlers must not call back into the registry.
type TransitionFunc func(p *types.Provider, state types.BreakerState)

// Registry tracks provider health, quota, cost, and circuit-breaker state.
// It exclusively owns provider counters and breaker transitions.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*types.Provider
	modes     map[string][]string
	probing   map[string]bool // half-open providers with a probe in flight

	onTransition TransitionFunc
	now          func() time.Time
	logger       zerolog.Logger
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*types.Provider),
		modes:     make(map[string][]string),
		probing:   make(map[string]bool),
		now:       time.Now,
		logger:    log.WithComponent("provider-registry"),
	}
}

// OnTransition registers a callback for breaker state changes
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// Register adds or replaces a provider entry
func (r *Registry) Register(p *types.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Breaker == "" {
		p.Breaker = types.BreakerClosed
	}
	if p.LastReset.IsZero() {
		p.LastReset = r.now()
	}
	r.providers[p.ID] = p
	r.logger.Info().Str("provider_id", p.ID).Str("class", string(p.Class)).Msg("provider registered")
}

// Remove deletes a provider entry
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
	delete(r.probing, id)
}

// Get returns a copy of the provider record
func (r *Registry) Get(id string) (*types.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	clone := *p
	return &clone, true
}

// List returns copies of all provider records sorted by id
func (r *Registry) List() []*types.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetMode names an ordered set of provider ids
func (r *Registry) SetMode(name string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[name] = append([]string(nil), ids...)
}

// Modes returns the configured cost mode names
func (r *Registry) Modes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.modes))
	for name := range r.modes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Select picks a provider for the required capabilities under the given
// cost mode. Closed providers win by mode order (or cost ascending when no
// mode is set), with the worker's preferred providers promoted to the
// front; a half-open provider is eligible only when no probe is in
// flight, and selecting it claims the single probe slot.
// Returns ErrNoProviderAvailable when nothing qualifies.
func (r *Registry) Select(capabilities []string, mode string, preferred []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.candidateOrder(mode, preferred)

	// Closed providers take precedence over half-open probes
	for _, p := range candidates {
		if p.Breaker == types.BreakerClosed && r.eligible(p, capabilities) {
			return p.ID, nil
		}
	}
	for _, p := range candidates {
		if p.Breaker == types.BreakerHalfOpen && !r.probing[p.ID] && r.eligible(p, capabilities) {
			r.probing[p.ID] = true
			r.logger.Debug().Str("provider_id", p.ID).Msg("dispatching half-open probe")
			return p.ID, nil
		}
	}
	return "", types.ErrNoProviderAvailable
}

// candidateOrder resolves the mode's provider ordering, then promotes the
// preferred ids ahead of it without disturbing order otherwise. Caller
// holds the lock.
func (r *Registry) candidateOrder(mode string, preferred []string) []*types.Provider {
	var out []*types.Provider
	if ids, ok := r.modes[mode]; ok {
		out = make([]*types.Provider, 0, len(ids))
		for _, id := range ids {
			if p, ok := r.providers[id]; ok {
				out = append(out, p)
			}
		}
	} else {
		out = make([]*types.Provider, 0, len(r.providers))
		for _, p := range r.providers {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CostPerToken != out[j].CostPerToken {
				return out[i].CostPerToken < out[j].CostPerToken
			}
			return out[i].ID < out[j].ID
		})
	}

	if len(preferred) > 0 {
		rank := make(map[string]int, len(preferred))
		for i, id := range preferred {
			rank[id] = i + 1
		}
		unranked := len(preferred) + 1
		sort.SliceStable(out, func(i, j int) bool {
			ri, rj := rank[out[i].ID], rank[out[j].ID]
			if ri == 0 {
				ri = unranked
			}
			if rj == 0 {
				rj = unranked
			}
			return ri < rj
		})
	}
	return out
}

// eligible checks capability coverage and remaining quota. Caller holds
// the lock.
func (r *Registry) eligible(p *types.Provider, capabilities []string) bool {
	if p.QuotaRemaining() <= 0 {
		return false
	}
	if len(p.Capabilities) == 0 {
		return true
	}
	have := make(map[string]bool, len(p.Capabilities))
	for _, c := range p.Capabilities {
		have[c] = true
	}
	for _, c := range capabilities {
		if !have[c] {
			return false
		}
	}
	return true
}

// RecordSuccess credits a completed request: consumes quota, updates the
// latency average, resets the failure streak, and closes a half-open
// breaker.
func (r *Registry) RecordSuccess(id string, tokensConsumed int64, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return
	}
	p.Requests++
	p.TokensToday += tokensConsumed
	p.ConsecutiveFailures = 0
	p.WindowStart = time.Time{}
	if p.AvgLatency == 0 {
		p.AvgLatency = latency
	} else {
		p.AvgLatency = time.Duration(float64(p.AvgLatency)*(1-ewmaAlpha) + float64(latency)*ewmaAlpha)
	}
	delete(r.probing, id)

	if p.Breaker == types.BreakerHalfOpen {
		p.Breaker = types.BreakerClosed
		r.logger.Info().Str("provider_id", id).Msg("breaker closed after successful probe")
		r.notify(id, types.BreakerClosed)
	}
}

// RecordFailure debits a failed request and trips the breaker when the
// consecutive-failure threshold is crossed within the rolling window.
func (r *Registry) RecordFailure(id string, kind types.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return
	}
	now := r.now()
	p.Requests++
	p.Failures++
	delete(r.probing, id)

	// Failures outside the rolling window restart the streak
	if p.WindowStart.IsZero() || now.Sub(p.WindowStart) > p.BreakerConfig.Window {
		p.WindowStart = now
		p.ConsecutiveFailures = 1
	} else {
		p.ConsecutiveFailures++
	}

	switch p.Breaker {
	case types.BreakerHalfOpen:
		// Failed probe reopens immediately
		p.Breaker = types.BreakerOpen
		p.BreakerOpenedAt = now
		r.logger.Warn().Str("provider_id", id).Str("error_kind", string(kind)).Msg("probe failed, breaker reopened")
		r.notify(id, types.BreakerOpen)
	case types.BreakerClosed:
		threshold := p.BreakerConfig.ConsecutiveFailures
		if threshold > 0 && p.ConsecutiveFailures >= threshold {
			p.Breaker = types.BreakerOpen
			p.BreakerOpenedAt = now
			r.logger.Warn().
				Str("provider_id", id).
				Int("consecutive_failures", p.ConsecutiveFailures).
				Msg("breaker opened")
			r.notify(id, types.BreakerOpen)
		}
	}
}

// Tick advances time-driven state: open breakers move to half-open after
// cooldown and daily token counters reset at the day boundary.
func (r *Registry) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, p := range r.providers {
		if p.Breaker == types.BreakerOpen && now.Sub(p.BreakerOpenedAt) >= p.BreakerConfig.Cooldown {
			p.Breaker = types.BreakerHalfOpen
			p.ConsecutiveFailures = 0
			p.WindowStart = time.Time{}
			delete(r.probing, id)
			r.logger.Info().Str("provider_id", id).Msg("breaker half-open after cooldown")
			r.notify(id, types.BreakerHalfOpen)
		}

		y1, m1, d1 := p.LastReset.Date()
		y2, m2, d2 := now.Date()
		if y1 != y2 || m1 != m2 || d1 != d2 {
			p.TokensToday = 0
			p.LastReset = now
		}
	}
}

// notify invokes the transition callback with a copy of the provider.
// Caller holds the lock; the callback must not reenter the registry.
func (r *Registry) notify(id string, state types.BreakerState) {
	if r.onTransition == nil {
		return
	}
	p, ok := r.providers[id]
	if !ok {
		return
	}
	clone := *p
	r.onTransition(&clone, state)
}

// Snapshot returns copies of all provider records for checkpointing
func (r *Registry) Snapshot() []*types.Provider {
	return r.List()
}

// Restore overlays snapshot state onto the registry. Half-open providers
// are reset to open pending a fresh cooldown. Entries already registered
// (from config) keep their configured endpoint, pricing, and breaker
// thresholds; the snapshot contributes only runtime state, and
// registrations absent from the snapshot are left untouched.
func (r *Registry) Restore(providers []*types.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.probing = make(map[string]bool)
	now := r.now()
	for _, p := range providers {
		clone := *p
		if clone.Breaker == types.BreakerHalfOpen {
			clone.Breaker = types.BreakerOpen
			clone.BreakerOpenedAt = now
		}
		if cur, ok := r.providers[clone.ID]; ok {
			clone.Endpoint = cur.Endpoint
			clone.Model = cur.Model
			clone.Class = cur.Class
			clone.Capabilities = cur.Capabilities
			clone.CostPerToken = cur.CostPerToken
			clone.DailyTokenBudget = cur.DailyTokenBudget
			clone.BreakerConfig = cur.BreakerConfig
		}
		r.providers[clone.ID] = &clone
	}
}

// setClock overrides the registry clock in tests
func (r *Registry) setClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
