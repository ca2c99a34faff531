package chain

import (
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/ratelimit"
)

// WithRPCBudget makes every node call spend compute units from tracker first
func WithRPCBudget(tracker *ratelimit.CUBudgetTracker, costs *ratelimit.CUCostRegistry, maxWait time.Duration, clk clock.Clock) BackendWrapper {
	return func(b Backend) (Backend, error) {
		limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
			Client:       b,
			Tracker:      tracker,
			CostRegistry: costs,
			MaxWait:      maxWait,
			Clock:        clk,
		})
		if err != nil {
			return nil, err
		}
		return limited, nil
	}
}
