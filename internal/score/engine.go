package score

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultMinPoints = 100
	defaultMaxPoints = 1000
)

type Config struct {
	// MinPoints is awarded for a correct answer submitted with no time left.
	MinPoints int64
	// MaxPoints is awarded for a correct answer submitted instantly.
	MaxPoints int64
}

// Engine computes the points for a single answer. It is a pure function of
// its inputs: no state, no I/O, no clock.
type Engine struct {
	min decimal.Decimal
	max decimal.Decimal
}

func NewEngine(c Config) *Engine {
	if c.MinPoints <= 0 {
		c.MinPoints = defaultMinPoints
	}
	if c.MaxPoints < c.MinPoints {
		c.MaxPoints = defaultMaxPoints
	}

	return &Engine{
		min: decimal.NewFromInt(c.MinPoints),
		max: decimal.NewFromInt(c.MaxPoints),
	}
}

// Score returns zero for an incorrect answer. For a correct answer it
// interpolates linearly from MaxPoints at full time remaining down to
// MinPoints at zero, so a slow-but-correct answer is never worthless.
func (e *Engine) Score(correct bool, timeRemaining, duration time.Duration) decimal.Decimal {
	if !correct {
		return decimal.Zero
	}

	if duration <= 0 {
		return e.min
	}

	if timeRemaining < 0 {
		timeRemaining = 0
	}
	if timeRemaining > duration {
		timeRemaining = duration
	}

	frac := decimal.NewFromInt(int64(timeRemaining)).Div(decimal.NewFromInt(int64(duration)))

	return e.min.Add(e.max.Sub(e.min).Mul(frac)).Round(2)
}
