package chain

import (
	"context"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
)

// simulatedPreview is how many batch entries a simulated write logs individually
const simulatedPreview = 5

// SimulatedWriter accepts every write without touching a chain
type SimulatedWriter struct {
	journal *Journal
	clock   clock.Clock
}

// NewSimulatedWriter creates a writer that only logs. journal may be nil.
func NewSimulatedWriter(journal *Journal, clk clock.Clock) *SimulatedWriter {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &SimulatedWriter{journal: journal, clock: clk}
}

// IsLive always returns false
func (w *SimulatedWriter) IsLive() bool { return false }

// SubmitBatch logs the batch and reports SimulatedTxID
func (w *SimulatedWriter) SubmitBatch(ctx context.Context, updates []models.ScoreUpdate) (*SubmitResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	logger := logging.FromContext(ctx)
	logger.WithField("count", len(updates)).Info("[SIMULATED] batchUpdateScores")
	for i, u := range updates {
		if i == simulatedPreview {
			logger.Debugf("[SIMULATED]   ... and %d more", len(updates)-simulatedPreview)
			break
		}
		logger.Debugf("[SIMULATED]   %s: %d", u.Address, u.Score)
	}

	res := &SubmitResult{
		TxID:        SimulatedTxID,
		Simulated:   true,
		Count:       len(updates),
		SubmittedAt: w.clock.Now().UTC(),
	}
	recordBatch(ctx, w.journal, res, updates)
	return res, nil
}

// UpdateScore logs a single update and reports SimulatedTxID
func (w *SimulatedWriter) UpdateScore(ctx context.Context, address string, score int64) (*SubmitResult, error) {
	logging.FromContext(ctx).Infof("[SIMULATED] updateScore(%s, %d)", address, score)

	res := &SubmitResult{
		TxID:        SimulatedTxID,
		Simulated:   true,
		Count:       1,
		SubmittedAt: w.clock.Now().UTC(),
	}
	recordBatch(ctx, w.journal, res, []models.ScoreUpdate{{Address: address, Score: score}})
	return res, nil
}
