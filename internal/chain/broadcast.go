package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/metrics"
)

type ReceiptOutcome string

const (
	OutcomeMined   ReceiptOutcome = "mined"
	OutcomeFailed  ReceiptOutcome = "failed"
	OutcomeTimeout ReceiptOutcome = "timeout"
)

type ReceiptResult struct {
	Outcome     ReceiptOutcome `json:"outcome"`
	TxHash      string         `json:"tx_hash"`
	BlockNumber string         `json:"block_number,omitempty"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
	Attempts    int            `json:"attempts"`
}

type broadcastRPC interface {
	SendRawTransaction(ctx context.Context, signedTx string) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

type Broadcaster struct {
	rpc   broadcastRPC
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewBroadcaster(rpc broadcastRPC) *Broadcaster {
	return &Broadcaster{rpc: rpc, log: logging.Component("broadcaster"), sleep: sleepContext}
}

// Send submits a signed transaction once. Errors are never retried here: a
// blind resend without nonce coordination can double-submit.
func (b *Broadcaster) Send(ctx context.Context, signedTx string) (string, error) {
	signedTx = strings.TrimSpace(signedTx)
	if !strings.HasPrefix(signedTx, "0x") || len(signedTx) <= 2 {
		return "", clierr.New(clierr.CodeInvalidSignedTxFormat, "signed transaction must be 0x-prefixed hex")
	}
	hash, err := b.rpc.SendRawTransaction(ctx, signedTx)
	if err != nil {
		metrics.BroadcastTotal.WithLabelValues("error").Inc()
		b.log.Error().Err(err).Msg("eth_sendRawTransaction rejected")
		return "", clierr.Wrap(clierr.CodeBroadcastFailed, "broadcast transaction", err)
	}
	metrics.BroadcastTotal.WithLabelValues("ok").Inc()
	b.log.Info().Str("tx_hash", hash.Hex()).Msg("transaction broadcast")
	return hash.Hex(), nil
}

// PollReceipt queries the receipt up to maxAttempts times, sleeping interval
// between attempts. Transient RPC errors count as an attempt and are not
// terminal. Context cancellation ends polling with a timeout outcome.
func (b *Broadcaster) PollReceipt(ctx context.Context, txHash string, maxAttempts int, interval time.Duration) (ReceiptResult, error) {
	txHash = strings.TrimSpace(txHash)
	if len(common.FromHex(txHash)) != common.HashLength {
		return ReceiptResult{}, clierr.New(clierr.CodeBadRequest, "tx hash must be 32 bytes of hex")
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	hash := common.HexToHash(txHash)
	result := ReceiptResult{Outcome: OutcomeTimeout, TxHash: hash.Hex()}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		receipt, err := b.rpc.TransactionReceipt(ctx, hash)
		switch {
		case err != nil:
			b.log.Debug().Err(err).Str("tx_hash", result.TxHash).Int("attempt", attempt).Msg("receipt query failed")
		case receipt != nil:
			result.Outcome = OutcomeFailed
			if receipt.Succeeded() {
				result.Outcome = OutcomeMined
			}
			if receipt.BlockNumber != nil {
				result.BlockNumber = (*big.Int)(receipt.BlockNumber).String()
			}
			result.GasUsed = uint64(receipt.GasUsed)
			metrics.ReceiptOutcomes.WithLabelValues(string(result.Outcome)).Inc()
			return result, nil
		}
		if attempt == maxAttempts || b.sleep(ctx, interval) != nil {
			break
		}
	}
	metrics.ReceiptOutcomes.WithLabelValues(string(OutcomeTimeout)).Inc()
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
