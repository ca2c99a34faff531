package models

// LinkedWallet is a secondary address attributed to a main account.
// The mint counters are pre-aggregated by the indexer and are not raw mint records.
type LinkedWallet struct {
	Address          string `json:"address" db:"address"`
	MainAccountID    string `json:"mainAccountId" db:"main_account_id"`
	LinkedAt         int64  `json:"linkedAt" db:"linked_at"`
	ZoraMintCount    int64  `json:"zoraMintCount" db:"zora_mint_count"`
	EarlyMintCount   int64  `json:"earlyMintCount" db:"early_mint_count"`
	FirstTxTimestamp *int64 `json:"firstTxTimestamp,omitempty" db:"first_tx_timestamp"`
}
