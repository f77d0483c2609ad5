/*
Package provider tracks the external model endpoints tasks are dispatched
against: per-provider cost, daily token quota, latency, and circuit-breaker
state.

The breaker follows closed -> open (threshold consecutive failures inside a
rolling window) -> half-open (after cooldown) -> closed (first successful
probe). Open providers are never selected and a half-open provider carries
at most one probe request at a time.

Cost modes are named, ordered provider sets; selection walks the mode's
order, or all providers by ascending cost when no mode matches.
*/
package provider
