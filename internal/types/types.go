// Package types provides common type definitions for the score agent.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier represents a reputation tier derived from a total score
type Tier string

const (
	// TierBased is the highest tier (score >= 1000)
	TierBased Tier = "BASED"
	// TierGold is the second tier (score >= 850)
	TierGold Tier = "Gold"
	// TierSilver is the third tier (score >= 500)
	TierSilver Tier = "Silver"
	// TierBronze is the fourth tier (score >= 100)
	TierBronze Tier = "Bronze"
	// TierNovice is the default tier
	TierNovice Tier = "Novice"
)

// AllTiers lists tiers from highest to lowest
var AllTiers = []Tier{TierBased, TierGold, TierSilver, TierBronze, TierNovice}

// IsValid reports whether the tier is one of the known tiers
func (t Tier) IsValid() bool {
	for _, known := range AllTiers {
		if t == known {
			return true
		}
	}
	return false
}

// AccountState represents where an account ended up within one update cycle
type AccountState string

const (
	StateDue           AccountState = "due"
	StateSkipped       AccountState = "skipped"
	StateScored        AccountState = "scored"
	StateExcluded      AccountState = "excluded"
	StateBatched       AccountState = "batched"
	StateMarkedUpdated AccountState = "marked_updated"
	StateStale         AccountState = "stale"
)

// PendingActionKind identifies an action the core hands to the chain writer without executing it
type PendingActionKind string

const (
	// ActionMintBadge flags an account as eligible for the soulbound badge
	ActionMintBadge PendingActionKind = "mint_badge"
)

// Ethereum address regex pattern (0x followed by 40 hexadecimal characters)
var addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// NormalizeAddress lowercases and trims an address
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateAddress validates an EVM address format
func ValidateAddress(address string) error {
	if !addressRegex.MatchString(strings.TrimSpace(address)) {
		return &ServiceError{
			Code:    "INVALID_ADDRESS_FORMAT",
			Message: fmt.Sprintf("invalid address format: %s (must be 0x followed by 40 hexadecimal characters)", address),
			Details: map[string]interface{}{
				"address": address,
				"format":  "0x[a-fA-F0-9]{40}",
			},
		}
	}
	return nil
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
