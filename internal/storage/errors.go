package storage

import (
	"errors"
	"fmt"

	"github.com/score-agent/internal/models"
)

var (
	// ErrNotFound is returned when an account does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for rows that cannot be stored
	ErrInvalidInput = errors.New("invalid input")
)

// SnapshotID builds the address-timestamp key used by score_snapshot rows
func SnapshotID(accountID string, timestamp int64) string {
	return fmt.Sprintf("%s-%d", accountID, timestamp)
}

func validateUpdates(updates []models.ScoreUpdate) error {
	for _, u := range updates {
		if u.Address == "" {
			return fmt.Errorf("%w: update without address", ErrInvalidInput)
		}
		if u.Score < 0 {
			return fmt.Errorf("%w: negative score for %s", ErrInvalidInput, u.Address)
		}
	}
	return nil
}
