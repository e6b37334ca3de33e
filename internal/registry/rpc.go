package registry

import (
	"fmt"
	"strings"
)

// Public RPC endpoints used when no rpc url is configured.
var defaultRPCByChainID = map[int64]string{
	1:    "https://eth.llamarpc.com",
	8453: "https://mainnet.base.org",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set rpc_url", chainID)
}
