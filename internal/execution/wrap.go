package execution

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/defi-custody/internal/amount"
	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/metrics"
	"github.com/ggonzalez94/defi-custody/internal/registry"
)

// WrapGasLimit covers WETH deposit() on every supported chain.
const WrapGasLimit = 60000

type WrapAction string

const (
	WrapActionNone      WrapAction = "none"
	WrapActionPlanned   WrapAction = "planned"
	WrapActionSubmitted WrapAction = "submitted"
	WrapActionPending   WrapAction = "pending"
	WrapActionDryRun    WrapAction = "dry_run"
)

type WrapRequest struct {
	Owner            string `json:"owner"`
	MinWethNeededWei string `json:"minWethNeededWei"`
	PlanOnly         bool   `json:"planOnly"`
}

type WrapResult struct {
	Action         WrapAction       `json:"action"`
	Owner          string           `json:"owner"`
	WETH           string           `json:"weth"`
	NeededWei      string           `json:"needed_wei"`
	BalanceWei     string           `json:"balance_wei"`
	DeficitWei     string           `json:"deficit_wei"`
	DeficitDecimal string           `json:"deficit_decimal"`
	TxPayload      *chain.TxPayload `json:"tx_payload,omitempty"`
	TxHash         string           `json:"tx_hash,omitempty"`
}

func wrapKey(owner common.Address, deficit *big.Int) string {
	return "wrap:" + strings.ToLower(owner.Hex()) + ":" + deficit.String()
}

// PlanWrap computes how much native currency must be deposited into WETH so
// the owner holds at least the needed amount. It never signs.
func (l *Lifecycle) PlanWrap(ctx context.Context, req WrapRequest) (WrapResult, error) {
	if !common.IsHexAddress(strings.TrimSpace(req.Owner)) {
		return WrapResult{}, clierr.New(clierr.CodeBadRequest, "owner must be a hex address")
	}
	owner := common.HexToAddress(strings.TrimSpace(req.Owner))
	if owner != l.cfg.Custodial {
		return WrapResult{}, clierr.Newf(clierr.CodeOwnerMismatch, "owner %s is not the custodial address", owner.Hex())
	}
	needed, err := amount.ParseBaseUnits(req.MinWethNeededWei)
	if err != nil {
		return WrapResult{}, err
	}
	weth, ok := registry.WETH(l.cfg.ChainID)
	if !ok {
		return WrapResult{}, clierr.Newf(clierr.CodeChainNotAllowed, "no WETH registered for chain %d", l.cfg.ChainID)
	}
	wethAddr := common.HexToAddress(weth.Address)
	balance, err := l.chain.TokenBalance(ctx, wethAddr, owner)
	if err != nil {
		return WrapResult{}, err
	}

	deficit := new(big.Int).Sub(needed, balance)
	out := WrapResult{
		Action:     WrapActionNone,
		Owner:      owner.Hex(),
		WETH:       wethAddr.Hex(),
		NeededWei:  needed.String(),
		BalanceWei: balance.String(),
		DeficitWei: "0",
	}
	if deficit.Sign() <= 0 {
		out.DeficitDecimal = "0"
		return out, nil
	}
	out.DeficitWei = deficit.String()
	out.DeficitDecimal = amount.Format(deficit, weth.Decimals)

	limit := l.cfg.MaxAutoWrapWei
	if limit == nil {
		limit = big.NewInt(0)
	}
	if deficit.Cmp(limit) > 0 {
		metrics.GuardRejections.WithLabelValues(string(clierr.CodeAmountExceedsLimit)).Inc()
		return WrapResult{}, clierr.Newf(clierr.CodeAmountExceedsLimit, "wrap deficit %s exceeds auto-wrap limit %s", deficit, limit)
	}
	native, err := l.chain.Balance(ctx, owner)
	if err != nil {
		return WrapResult{}, err
	}
	if native.Cmp(deficit) < 0 {
		return WrapResult{}, clierr.Newf(clierr.CodeInsufficientBalance, "native balance %s cannot cover wrap deficit %s", native, deficit)
	}

	out.Action = WrapActionPlanned
	out.TxPayload = &chain.TxPayload{
		To:    wethAddr.Hex(),
		Data:  registry.WETHDepositSelector,
		Value: deficit.String(),
		Gas:   strconv.Itoa(WrapGasLimit),
		From:  owner.Hex(),
	}
	return out, nil
}

// Wrap plans and, unless PlanOnly is set, signs and broadcasts the deposit.
// A repeat of the same owner and deficit inside the idempotency window reports
// the first hash as pending.
func (l *Lifecycle) Wrap(ctx context.Context, req WrapRequest) (WrapResult, error) {
	unlock := l.sendLocks.Lock(l.cfg.ChainID, l.cfg.Custodial)
	defer unlock()

	plan, err := l.PlanWrap(ctx, req)
	if err != nil || req.PlanOnly || plan.Action == WrapActionNone {
		return plan, err
	}

	deficit, _ := new(big.Int).SetString(plan.DeficitWei, 10)
	key := wrapKey(l.cfg.Custodial, deficit)
	reservation, err := l.guard.CheckOrReserve(ctx, key)
	if err != nil {
		return WrapResult{}, err
	}
	if !reservation.FirstSeen {
		metrics.IdempotencyDuplicates.WithLabelValues("wrap").Inc()
		plan.Action = WrapActionPending
		plan.TxHash = reservation.ExistingTxHash
		return plan, nil
	}

	signedTx, err := l.signer.SignTransaction(ctx, *plan.TxPayload, l.cfg.ChainID)
	if err != nil {
		l.release(ctx, key)
		l.log.Error().Err(err).Str("deficit_wei", plan.DeficitWei).Msg("sign wrap")
		return WrapResult{}, err
	}
	if l.cfg.DryRun {
		l.releaseNonce(signedTx)
		l.release(ctx, key)
		plan.Action = WrapActionDryRun
		plan.TxHash = DryRunTxHash
		return plan, nil
	}

	txHash, err := l.broadcast.Send(ctx, signedTx)
	if err != nil {
		l.releaseNonce(signedTx)
		l.release(ctx, key)
		return WrapResult{}, err
	}
	if err := l.guard.Record(ctx, key, txHash); err != nil {
		l.log.Error().Err(err).Str("tx_hash", txHash).Msg("record idempotency hash")
	}
	l.log.Info().Str("tx_hash", txHash).Str("deficit_wei", plan.DeficitWei).Msg("wrap submitted")
	plan.Action = WrapActionSubmitted
	plan.TxHash = txHash
	return plan, nil
}
