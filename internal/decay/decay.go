// Package decay implements the usefulness score decay formula and a
// background sweep that applies it to contexts the signal path hasn't
// touched recently.
package decay

import (
	"math"
	"time"
)

// DefaultLambda is the decay rate per day toward model.NeutralScore,
// applied when no LAMBDA override is configured (half-life ≈ 69.3 days).
const DefaultLambda = 0.01

// Score pulls score toward 0.5 exponentially based on how long it has been
// since last_decay_at. It is pure and side-effect free; callers are
// responsible for persisting the result and advancing last_decay_at to now.
func Score(score float64, lastDecayAt, now time.Time, lambda float64) float64 {
	deltaDays := now.Sub(lastDecayAt).Hours() / 24
	if deltaDays <= 0 {
		return score
	}
	return 0.5 + (score-0.5)*math.Exp(-lambda*deltaDays)
}
