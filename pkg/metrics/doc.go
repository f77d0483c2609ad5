/*
Package metrics exposes Prometheus instrumentation and the event-driven
aggregator.

Package-level collectors are registered at init and served through
Handler. The Aggregator subscribes to the event bus, maintains
per-worker, per-provider, and per-department rollups, and fires alert
events on the bus when configured thresholds are crossed. It observes
the engine; its failures never propagate back into scheduling.
*/
package metrics
