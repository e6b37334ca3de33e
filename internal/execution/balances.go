package execution

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/defi-custody/internal/amount"
	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/registry"
)

// ChainReader is the read-only chain surface used before signing.
type ChainReader interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// checkFunds verifies the custodial account can cover the payload value and,
// when the quote declares an ERC-20 sell leg, the sell amount and its Permit2
// allowance.
func checkFunds(ctx context.Context, reader ChainReader, chainID int64, owner common.Address, payload chain.TxPayload, quote tradeQuote) error {
	value, err := payload.ValueWei()
	if err != nil {
		return err
	}
	if value.Sign() > 0 {
		native, err := reader.Balance(ctx, owner)
		if err != nil {
			return err
		}
		if native.Cmp(value) < 0 {
			return clierr.Newf(clierr.CodeInsufficientBalance, "native balance %s is below payload value %s", native, value)
		}
	}

	sellToken := strings.TrimSpace(quote.SellToken)
	if sellToken == "" || strings.TrimSpace(quote.SellAmount) == "" || registry.IsNativeToken(sellToken) {
		return nil
	}
	if !common.IsHexAddress(sellToken) {
		return clierr.Newf(clierr.CodeBadRequest, "quote sellToken %q is not an address", sellToken)
	}
	sellAmount, err := amount.ParseBaseUnits(quote.SellAmount)
	if err != nil {
		return err
	}
	token := common.HexToAddress(sellToken)
	balance, err := reader.TokenBalance(ctx, token, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(sellAmount) < 0 {
		return clierr.Newf(clierr.CodeInsufficientBalance, "token %s balance %s is below sell amount %s", token.Hex(), tokenAmount(chainID, token, balance), tokenAmount(chainID, token, sellAmount))
	}
	if quote.permit() == nil {
		return nil
	}
	allowance, err := reader.TokenAllowance(ctx, token, owner, common.HexToAddress(registry.Permit2Address))
	if err != nil {
		return err
	}
	if allowance.Cmp(sellAmount) < 0 {
		return clierr.Newf(clierr.CodeInsufficientAllowance, "Permit2 allowance %s for token %s is below sell amount %s", tokenAmount(chainID, token, allowance), token.Hex(), tokenAmount(chainID, token, sellAmount))
	}
	return nil
}

// tokenAmount renders base units, adding the decimal form for registry tokens.
func tokenAmount(chainID int64, token common.Address, v *big.Int) string {
	known, ok := registry.TokenByAddress(chainID, token.Hex())
	if !ok {
		return v.String()
	}
	return v.String() + " (" + amount.Format(v, known.Decimals) + " " + known.Symbol + ")"
}
