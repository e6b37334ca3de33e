package registry

import (
	"sort"
	"strings"
)

// NativeTokenAddress is the sentinel aggregators use for the chain's native asset.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Permit2Address is the canonical Permit2 deployment, identical on every supported chain.
const Permit2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

type Token struct {
	Symbol   string
	Address  string
	Decimals int32
}

type Chain struct {
	ID           int64
	Name         string
	NativeSymbol string
	Tokens       []Token
	// Destinations lists router/spender contracts a fixed provider may target.
	Destinations map[string]string
}

var chainsByID = map[int64]Chain{
	1: {
		ID:           1,
		Name:         "ethereum",
		NativeSymbol: "ETH",
		Tokens: []Token{
			{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
			{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		},
		Destinations: map[string]string{
			"uniswap-swap-router-02":   "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45",
			"uniswap-universal-router": "0x66a9893cC07D91D95644AEDD05D03f95e1dBA8Af",
			"0x-allowance-holder":      "0x0000000000001fF3684f28c67538d4D072C22734",
			"permit2":                  Permit2Address,
		},
	},
	8453: {
		ID:           8453,
		Name:         "base",
		NativeSymbol: "ETH",
		Tokens: []Token{
			{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
			{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		},
		Destinations: map[string]string{
			"uniswap-swap-router-02":   "0x2626664c2603336E57B271c5C0b26F421741e481",
			"uniswap-universal-router": "0x6fF5693b99212Da76ad316178A184AB56D299b43",
			"0x-allowance-holder":      "0x0000000000001fF3684f28c67538d4D072C22734",
			"permit2":                  Permit2Address,
		},
	},
}

func LookupChain(chainID int64) (Chain, bool) {
	chain, ok := chainsByID[chainID]
	return chain, ok
}

func SupportedChainIDs() []int64 {
	out := make([]int64, 0, len(chainsByID))
	for id := range chainsByID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TokenBySymbol(chainID int64, symbol string) (Token, bool) {
	chain, ok := chainsByID[chainID]
	if !ok {
		return Token{}, false
	}
	for _, token := range chain.Tokens {
		if strings.EqualFold(token.Symbol, strings.TrimSpace(symbol)) {
			return token, true
		}
	}
	return Token{}, false
}

func TokenByAddress(chainID int64, address string) (Token, bool) {
	chain, ok := chainsByID[chainID]
	if !ok {
		return Token{}, false
	}
	address = strings.TrimSpace(address)
	if strings.EqualFold(address, NativeTokenAddress) {
		return Token{Symbol: chain.NativeSymbol, Address: NativeTokenAddress, Decimals: 18}, true
	}
	for _, token := range chain.Tokens {
		if strings.EqualFold(token.Address, address) {
			return token, true
		}
	}
	return Token{}, false
}

func WETH(chainID int64) (Token, bool) {
	return TokenBySymbol(chainID, "WETH")
}

// Destinations returns the allow-listed router/spender addresses for a chain, sorted.
func Destinations(chainID int64) []string {
	chain, ok := chainsByID[chainID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(chain.Destinations))
	for _, addr := range chain.Destinations {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func IsAllowedDestination(chainID int64, address string) bool {
	chain, ok := chainsByID[chainID]
	if !ok {
		return false
	}
	address = strings.TrimSpace(address)
	for _, allowed := range chain.Destinations {
		if strings.EqualFold(allowed, address) {
			return true
		}
	}
	return false
}

func IsNativeToken(address string) bool {
	return strings.EqualFold(strings.TrimSpace(address), NativeTokenAddress)
}
