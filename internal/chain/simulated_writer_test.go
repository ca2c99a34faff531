package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/models"
)

func TestSimulatedWriter_SubmitBatch(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	journal, err := OpenJournal("", clk)
	require.NoError(t, err)
	defer journal.Close()

	w := NewSimulatedWriter(journal, clk)
	assert.False(t, w.IsLive())

	updates := make([]models.ScoreUpdate, 8)
	for i := range updates {
		updates[i] = models.ScoreUpdate{Address: fmt.Sprintf("0x%040d", i+1), Score: int64(100 * i)}
	}

	res, err := w.SubmitBatch(context.Background(), updates)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, SimulatedTxID, res.TxID)
	assert.True(t, res.Simulated)
	assert.Equal(t, 8, res.Count)
	assert.Equal(t, clk.Now().UTC(), res.SubmittedAt)

	recent, err := journal.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Simulated)
	assert.Len(t, recent[0].Updates, 8)
}

func TestSimulatedWriter_EmptyBatchIsNoop(t *testing.T) {
	journal, err := OpenJournal("", nil)
	require.NoError(t, err)
	defer journal.Close()

	w := NewSimulatedWriter(journal, nil)
	res, err := w.SubmitBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.EqualValues(t, 0, journal.Len())
}

func TestSimulatedWriter_UpdateScore(t *testing.T) {
	w := NewSimulatedWriter(nil, nil)
	res, err := w.UpdateScore(context.Background(), "0x0000000000000000000000000000000000000001", 330)
	require.NoError(t, err)
	assert.Equal(t, SimulatedTxID, res.TxID)
	assert.Equal(t, 1, res.Count)
}

func TestNewWriter_SimulatedWithoutCredentials(t *testing.T) {
	w, err := NewWriter(context.Background(), config.ChainConfig{ChainID: 84532}, nil, nil)
	require.NoError(t, err)
	assert.False(t, w.IsLive())
	_, ok := w.(*SimulatedWriter)
	assert.True(t, ok)
}
