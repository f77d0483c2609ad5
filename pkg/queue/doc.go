/*
Package queue implements the ready-task priority queue.

Entries are ordered by a composite score (priority base, dependent bonus,
capped wait bonus, deadline bonus); ties dequeue FIFO by ready timestamp.
Scores are refreshed lazily when Pop inspects the top of the heap, and a
periodic sweep re-scores the top K entries so wait bonuses stay current.
*/
package queue
