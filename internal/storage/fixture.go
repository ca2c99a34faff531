package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/score-agent/internal/models"
)

// Fixture is a JSON snapshot of indexer rows
type Fixture struct {
	Accounts      []models.Account      `json:"accounts"`
	Mints         []models.Mint         `json:"mints"`
	LinkedWallets []models.LinkedWallet `json:"linkedWallets"`
}

// LoadFixture decodes a Fixture from r and seeds every row into s
func LoadFixture(ctx context.Context, s Seeder, r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}

	for _, acc := range f.Accounts {
		if err := s.UpsertAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("failed to seed account %s: %w", acc.ID, err)
		}
	}
	for _, m := range f.Mints {
		if err := s.AddMint(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to seed mint %s: %w", m.ID, err)
		}
	}
	for _, w := range f.LinkedWallets {
		if err := s.AddLinkedWallet(ctx, w); err != nil {
			return nil, fmt.Errorf("failed to seed linked wallet %s: %w", w.Address, err)
		}
	}
	return &f, nil
}
