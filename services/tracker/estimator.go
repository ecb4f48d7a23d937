package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"wyvernd/pkg/db"
)

// DefaultEstimate is used for actions with no recorded history.
const DefaultEstimate = 120 * time.Second

// Estimator predicts how long a template action will take. Implementations
// may be swapped without touching the tracker's polling logic.
type Estimator interface {
	Estimate(ctx context.Context, template, action string) time.Duration
}

// HistoryEstimator averages the recorded durations of past runs. The
// history window is written by workflow completion; reads here never feed
// anything back into live workflow state.
type HistoryEstimator struct {
	pool     *pgxpool.Pool
	fallback time.Duration
}

// NewHistoryEstimator creates an estimator backed by the timings table.
func NewHistoryEstimator(pool *pgxpool.Pool) *HistoryEstimator {
	return &HistoryEstimator{pool: pool, fallback: DefaultEstimate}
}

// Estimate returns the mean recorded duration for (template, action), or
// the fallback when history is empty or unreadable.
func (e *HistoryEstimator) Estimate(ctx context.Context, template, action string) time.Duration {
	if e.pool == nil {
		return e.fallback
	}

	var raw string
	err := db.Get(ctx, e.pool, &raw,
		`SELECT durations::text FROM template_timings WHERE template_name = $1 AND action_name = $2`,
		template, action,
	)
	if err != nil {
		// Missing history and transient DB errors read the same here.
		return e.fallback
	}

	var window []int64
	if err := json.Unmarshal([]byte(raw), &window); err != nil || len(window) == 0 {
		return e.fallback
	}

	var sum int64
	for _, seconds := range window {
		sum += seconds
	}
	mean := sum / int64(len(window))
	if mean <= 0 {
		return e.fallback
	}
	return time.Duration(mean) * time.Second
}

// FixedEstimator returns the same estimate for every action. Useful when
// history should be ignored.
type FixedEstimator time.Duration

func (f FixedEstimator) Estimate(context.Context, string, string) time.Duration {
	return time.Duration(f)
}
