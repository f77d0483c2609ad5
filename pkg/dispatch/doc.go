/*
Package dispatch executes assigned tasks against external model
providers.

The Dispatcher runs each provider call on its own goroutine with a
deadline derived from the dispatch timeout, and delivers exactly one
Result back to the scheduler shard that issued the assignment. Cancel
signals an in-flight call through its context; the acknowledgement
arrives as a Result with Cancelled set.

Endpoints translate the opaque task payload into a provider request:
AnthropicEndpoint speaks the Messages API, OpenAIEndpoint speaks chat
completions, and MockEndpoint returns scripted outcomes for tests and
local runs.
*/
package dispatch
