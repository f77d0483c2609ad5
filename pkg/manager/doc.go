/*
Package manager wires the engine together and exposes its public
surface.

New instantiates the store, bus, graph, registries, dispatcher,
scheduler, recovery manager, and metrics aggregator once and shares them
as handles. Start runs crash recovery before launching the coordinator
loops. Submit, Cancel, Get, and List form the task API; worker and
provider administration and the metrics snapshot hang off the same
type.
*/
package manager
