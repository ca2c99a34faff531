// Package ratelimit budgets compute units (CU) spent on RPC calls made by the
// registry writer, shared across agent replicas through Redis.
package ratelimit

// Default CU costs for the RPC methods the registry writer calls.
const (
	DefaultCUCost = 20 // Default cost for unknown methods

	CostEthGetTransactionCount   = 26
	CostEthGasPrice              = 19
	CostEthEstimateGas           = 87
	CostEthSendRawTransaction    = 250
	CostEthGetTransactionReceipt = 15
	CostEthGetBalance            = 19
)

// RPC method names
const (
	MethodEthGetTransactionCount   = "eth_getTransactionCount"
	MethodEthGasPrice              = "eth_gasPrice"
	MethodEthEstimateGas           = "eth_estimateGas"
	MethodEthSendRawTransaction    = "eth_sendRawTransaction"
	MethodEthGetTransactionReceipt = "eth_getTransactionReceipt"
	MethodEthGetBalance            = "eth_getBalance"
)

// CUCostRegistry maps RPC methods to their CU costs. It is read-only after
// construction, so concurrent lookups need no locking.
type CUCostRegistry struct {
	costs       map[string]int
	defaultCost int
}

// CUCostRegistryConfig holds configuration for the registry.
type CUCostRegistryConfig struct {
	// DefaultCost is the CU cost for unknown RPC methods.
	// If zero, uses the package default (20 CU).
	DefaultCost int

	// Overrides replaces the built-in cost of specific methods.
	Overrides map[string]int
}

// NewCUCostRegistry creates a registry with the default costs. cfg may be nil.
func NewCUCostRegistry(cfg *CUCostRegistryConfig) *CUCostRegistry {
	costs := map[string]int{
		MethodEthGetTransactionCount:   CostEthGetTransactionCount,
		MethodEthGasPrice:              CostEthGasPrice,
		MethodEthEstimateGas:           CostEthEstimateGas,
		MethodEthSendRawTransaction:    CostEthSendRawTransaction,
		MethodEthGetTransactionReceipt: CostEthGetTransactionReceipt,
		MethodEthGetBalance:            CostEthGetBalance,
	}

	defaultCost := DefaultCUCost
	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for method, cost := range cfg.Overrides {
			if cost > 0 {
				costs[method] = cost
			}
		}
	}

	return &CUCostRegistry{
		costs:       costs,
		defaultCost: defaultCost,
	}
}

// GetCost returns the CU cost for an RPC method, or the default cost for unknown methods
func (r *CUCostRegistry) GetCost(method string) int {
	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}
