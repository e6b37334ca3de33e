package execution

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/registry"
)

// DefaultQuoteProviders route dynamically, so their destination is checked
// against the quote instead of the static allowlist.
var DefaultQuoteProviders = []string{"0x"}

type quoteCall struct {
	To string `json:"to"`
}

type quotePermit2 struct {
	EIP712 *apitypes.TypedData `json:"eip712"`
}

// tradeQuote is the subset of a stored raw_quote the custody flow reads.
type tradeQuote struct {
	To          string        `json:"to"`
	Target      string        `json:"target"`
	Transaction *quoteCall    `json:"transaction"`
	Tx          *quoteCall    `json:"tx"`
	SellToken   string        `json:"sellToken"`
	SellAmount  string        `json:"sellAmount"`
	Permit2     *quotePermit2 `json:"permit2"`
}

func parseQuote(raw json.RawMessage) (tradeQuote, error) {
	var q tradeQuote
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return q, nil
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return tradeQuote{}, clierr.Wrap(clierr.CodeBadRequest, "decode raw_quote", err)
	}
	return q, nil
}

// destinations lists every destination the quote declares.
func (q tradeQuote) destinations() []string {
	out := make([]string, 0, 4)
	for _, v := range []string{q.To, q.Target} {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	for _, call := range []*quoteCall{q.Transaction, q.Tx} {
		if call != nil && strings.TrimSpace(call.To) != "" {
			out = append(out, call.To)
		}
	}
	return out
}

func (q tradeQuote) permit() *apitypes.TypedData {
	if q.Permit2 == nil {
		return nil
	}
	return q.Permit2.EIP712
}

type DestinationValidator struct {
	chainID        int64
	quoteProviders map[string]struct{}
}

func NewDestinationValidator(chainID int64, quoteProviders []string) *DestinationValidator {
	set := make(map[string]struct{}, len(quoteProviders))
	for _, p := range quoteProviders {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return &DestinationValidator{chainID: chainID, quoteProviders: set}
}

func (v *DestinationValidator) usesQuote(provider string) bool {
	_, ok := v.quoteProviders[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

// Validate checks the payload destination of trade. It never touches the chain.
func (v *DestinationValidator) Validate(trade Trade) error {
	if trade.TxPayload == nil {
		return clierr.New(clierr.CodeBadRequest, "trade has no tx_payload")
	}
	to := strings.TrimSpace(trade.TxPayload.To)
	if !common.IsHexAddress(to) {
		return clierr.New(clierr.CodeBadRequest, "payload.to must be a hex address")
	}

	if !v.usesQuote(trade.Provider) {
		if !registry.IsAllowedDestination(v.chainID, to) {
			return clierr.Newf(clierr.CodeDestinationNotAllowed, "destination %s is not an allow-listed router for chain %d", to, v.chainID)
		}
		return nil
	}

	quote, err := parseQuote(trade.RawQuote)
	if err != nil {
		return clierr.Wrap(clierr.CodeMissingQuoteDestination, "raw_quote is not a readable quote", err)
	}
	declared := quote.destinations()
	if len(declared) == 0 {
		return clierr.Newf(clierr.CodeMissingQuoteDestination, "%s quote carries no destination", trade.Provider)
	}
	for _, d := range declared {
		if !common.IsHexAddress(strings.TrimSpace(d)) {
			return clierr.Newf(clierr.CodeMissingQuoteDestination, "quote destination %q is not an address", d)
		}
		if !chain.SameAddress(d, to) {
			return clierr.Newf(clierr.CodeDestinationNotAllowed, "payload destination %s does not match quoted destination %s", to, d)
		}
	}
	return nil
}

// validatePermit checks a Permit2 typed-data approval before it is signed.
func validatePermit(typed apitypes.TypedData, chainID int64, spender string) error {
	if !chain.SameAddress(typed.Domain.VerifyingContract, registry.Permit2Address) {
		return clierr.Newf(clierr.CodeDestinationNotAllowed, "permit verifying contract %s is not Permit2", typed.Domain.VerifyingContract)
	}
	if typed.Domain.ChainId == nil || (*big.Int)(typed.Domain.ChainId).Cmp(big.NewInt(chainID)) != 0 {
		return clierr.Newf(clierr.CodeChainNotAllowed, "permit domain chain %s does not match chain %d", formatChainID(typed.Domain.ChainId), chainID)
	}
	got, _ := typed.Message["spender"].(string)
	if !chain.SameAddress(got, spender) {
		return clierr.Newf(clierr.CodeDestinationNotAllowed, "permit spender %q does not match payload destination %s", got, spender)
	}
	return nil
}

func formatChainID(v *math.HexOrDecimal256) string {
	if v == nil {
		return "<missing>"
	}
	return (*big.Int)(v).String()
}

// appendPermitSignature returns data ‖ uint256(len(sig)) ‖ sig. The input
// slice is not modified.
func appendPermitSignature(data, sig []byte) []byte {
	out := make([]byte, 0, len(data)+32+len(sig))
	out = append(out, data...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(sig))).Bytes(), 32)...)
	return append(out, sig...)
}
