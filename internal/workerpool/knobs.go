package workerpool

import "time"

// Knobs are the fast-path tuning parameters the backpressure monitor
// drives, per spec.md §4.3.
type Knobs struct {
	BatchMax  int
	BatchWait time.Duration
	Pause     time.Duration
}

// ForTier derives the fast-path knobs in effect for tier, given the
// configured baseline batchMax/batchWait and the fixed pause duration.
func ForTier(tier Tier, baseBatchMax int, baseBatchWait, pause time.Duration) Knobs {
	switch tier {
	case TierShed:
		return Knobs{BatchMax: baseBatchMax / 2, BatchWait: baseBatchWait * 2}
	case TierShedPause:
		return Knobs{BatchMax: baseBatchMax / 2, BatchWait: baseBatchWait * 2, Pause: pause}
	default:
		return Knobs{BatchMax: baseBatchMax, BatchWait: baseBatchWait}
	}
}
