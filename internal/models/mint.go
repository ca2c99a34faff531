package models

// Mint is a single indexed NFT mint. Optional fields are nil when the indexer did not record them.
type Mint struct {
	ID                   string `json:"id" db:"id"` // txHash-logIndex
	Minter               string `json:"minter" db:"minter"`
	ContractAddress      string `json:"contractAddress" db:"contract_address"`
	TokenID              string `json:"tokenId" db:"token_id"`
	Quantity             *int64 `json:"quantity,omitempty" db:"quantity"`
	MintedAt             *int64 `json:"mintedAt,omitempty" db:"minted_at"`
	Network              string `json:"network" db:"network"`
	IsEarlyMint          *bool  `json:"isEarlyMint,omitempty" db:"is_early_mint"`
	CollectionDeployedAt *int64 `json:"collectionDeployedAt,omitempty" db:"collection_deployed_at"`
}

// EffectiveQuantity returns the mint quantity, 1 when absent and never negative
func (m Mint) EffectiveQuantity() int64 {
	if m.Quantity == nil {
		return 1
	}
	if *m.Quantity < 0 {
		return 0
	}
	return *m.Quantity
}
