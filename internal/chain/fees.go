package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/metrics"
)

// DefaultPriorityFee is used when eth_feeHistory carries no reward data.
var DefaultPriorityFee = big.NewInt(1_000_000_000)

type FeeSource string

const (
	FeeSourceFeeHistory FeeSource = "fee_history"
	FeeSourceGasPrice   FeeSource = "gas_price"
)

type Fees struct {
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	Source               FeeSource
}

type feeReader interface {
	FeeHistory(ctx context.Context) (*FeeHistory, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

type FeeEstimator struct {
	rpc feeReader
	log zerolog.Logger
}

func NewFeeEstimator(rpc feeReader) *FeeEstimator {
	return &FeeEstimator{rpc: rpc, log: logging.Component("fees")}
}

// Estimate tries eth_feeHistory first and only falls back to eth_gasPrice when
// that call errors or yields no base fee.
func (e *FeeEstimator) Estimate(ctx context.Context) (Fees, error) {
	fees, primaryErr := e.fromFeeHistory(ctx)
	if primaryErr == nil {
		return fees, nil
	}
	metrics.FeeFallbacks.Inc()
	e.log.Warn().Err(primaryErr).Msg("eth_feeHistory unusable, falling back to eth_gasPrice")

	gasPrice, err := e.rpc.GasPrice(ctx)
	if err != nil {
		return Fees{}, clierr.Wrap(clierr.CodeUnavailable, "estimate fees", errors.Join(primaryErr, err))
	}
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return Fees{}, clierr.New(clierr.CodeUnavailable, "estimate fees: eth_gasPrice returned zero")
	}
	return Fees{
		MaxPriorityFeePerGas: new(big.Int).Div(gasPrice, big.NewInt(10)),
		MaxFeePerGas:         new(big.Int).Set(gasPrice),
		Source:               FeeSourceGasPrice,
	}, nil
}

func (e *FeeEstimator) fromFeeHistory(ctx context.Context) (Fees, error) {
	history, err := e.rpc.FeeHistory(ctx)
	if err != nil {
		return Fees{}, err
	}
	if history == nil || len(history.BaseFeePerGas) == 0 {
		return Fees{}, errors.New("fee history has no base fee")
	}
	last := history.BaseFeePerGas[len(history.BaseFeePerGas)-1]
	if last == nil {
		return Fees{}, errors.New("fee history has no base fee")
	}
	baseFee := new(big.Int).Set(last.ToInt())

	tip := new(big.Int).Set(DefaultPriorityFee)
	if len(history.Reward) > 0 {
		row := history.Reward[len(history.Reward)-1]
		if len(row) > 0 && row[0] != nil && row[0].ToInt().Sign() > 0 {
			tip = new(big.Int).Set(row[0].ToInt())
		}
	}
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return Fees{MaxPriorityFeePerGas: tip, MaxFeePerGas: maxFee, Source: FeeSourceFeeHistory}, nil
}
