/*
Package worker manages the executor pool: registration, capability-matched
reservation, load accounting, and liveness.

A reservation claims 1/concurrencyLimit of a worker's load and is tracked
as a lease until released with an outcome. Missing heartbeats beyond the
configured timeout remove the worker and surface its in-flight task ids
for reassignment; idle load decays toward zero so stuck reservations
cannot wedge a worker permanently.
*/
package worker
