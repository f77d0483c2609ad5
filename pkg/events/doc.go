/*
Package events provides the in-process publish/subscribe bus.

Topics are strings (by convention the event type); a subscription carries
an optional filter predicate and may request durable replay from the store
before going live. Publishing runs on the caller's goroutine and never
blocks: a subscriber past its high-water mark drops the message, and every
drop is reported on the monitor topic. Handlers execute on a bounded pool
owned by the bus.
*/
package events
