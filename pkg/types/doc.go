/*
Package types defines the core data structures shared across all Conductor
components: tasks, workers, providers, events, and snapshots.

These are the domain records that flow between the dependency graph, the
priority queue, the scheduler, and the durable store. Each record carries
its own lifecycle state as a tagged string constant; state transitions are
owned by exactly one component (the scheduler for tasks, the worker pool
for workers, the provider registry for providers).

The package also defines the rejection sentinels returned by the submission
API so callers can match them with errors.Is.
*/
package types
