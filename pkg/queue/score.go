package queue

import (
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
)

const (
	// DependentBonus is added per not-yet-succeeded transitive dependent
	DependentBonus = 10.0

	// deadlineHorizon is the window before a deadline in which the
	// deadline bonus ramps up
	deadlineHorizon = 10 * time.Minute

	// deadlineBonusMax dominates every priority base so near-deadline
	// tasks dequeue first regardless of level
	deadlineBonusMax = 5000.0
)

// Score computes the composite queue score for a task:
// priority base + dependent bonus + capped wait bonus + deadline bonus.
// Higher scores dequeue first. The wait bonus grows one point per second
// in ready state up to waitCap, which is the only starvation guard.
func Score(t *types.Task, dependents int, now time.Time, waitCap float64) float64 {
	score := t.Priority.BaseScore()
	score += DependentBonus * float64(dependents)

	if !t.ReadyAt.IsZero() {
		wait := now.Sub(t.ReadyAt).Seconds()
		if wait > 0 {
			if waitCap > 0 && wait > waitCap {
				wait = waitCap
			}
			score += wait
		}
	}

	if t.Deadline != nil {
		remaining := t.Deadline.Sub(now)
		switch {
		case remaining <= 0:
			score += deadlineBonusMax
		case remaining < deadlineHorizon:
			score += deadlineBonusMax * (1 - remaining.Seconds()/deadlineHorizon.Seconds())
		}
	}

	return score
}
