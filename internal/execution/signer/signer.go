package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

type Mode string

const (
	ModeLocal   Mode = "local"
	ModeWebhook Mode = "webhook"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLocal:
		return ModeLocal, nil
	case "", ModeWebhook:
		return ModeWebhook, nil
	default:
		return "", clierr.Newf(clierr.CodeConfigInvalid, "unsupported signer mode %q (expected %s|%s)", raw, ModeLocal, ModeWebhook)
	}
}

// Signer turns a payload into a 0x-prefixed serialized signed transaction for
// the custodial account. Exactly one implementation is active per process.
type Signer interface {
	Address() common.Address
	Mode() Mode
	SignTransaction(ctx context.Context, payload chain.TxPayload, chainID int64) (string, error)
	// SignTypedData returns a 65-byte EIP-712 signature with v in {27,28}.
	SignTypedData(ctx context.Context, typedData apitypes.TypedData, chainID int64) ([]byte, error)
}

// NonceReleaser is implemented by signers that assign nonces locally. The
// caller hands back a signed transaction that was never accepted by the chain.
type NonceReleaser interface {
	ReleaseNonce(signedTx string)
}

// Guardrails are enforced by every signer before any key material is touched.
type Guardrails struct {
	ChainID     int64
	MaxValueWei *big.Int
}

func (g Guardrails) CheckChain(chainID int64) error {
	if chainID != g.ChainID {
		return clierr.Newf(clierr.CodeChainNotAllowed, "chain %d is not allowed (configured chain %d)", chainID, g.ChainID)
	}
	return nil
}

func (g Guardrails) Check(payload chain.TxPayload, chainID int64) error {
	if err := g.CheckChain(chainID); err != nil {
		return err
	}
	value, err := payload.ValueWei()
	if err != nil {
		return err
	}
	if g.MaxValueWei != nil && value.Cmp(g.MaxValueWei) > 0 {
		return clierr.Newf(clierr.CodeValueExceedsMaximum, "payload value %s exceeds maximum %s", value, g.MaxValueWei)
	}
	return nil
}

// AccountLocks hands out one mutex per (chain, account).
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: map[string]*sync.Mutex{}}
}

func (l *AccountLocks) Lock(chainID int64, account common.Address) func() {
	key := fmt.Sprintf("%d:%s", chainID, strings.ToLower(account.Hex()))
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// TypedDataDigest returns the EIP-712 digest for typedData.
func TypedDataDigest(typedData apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeBadRequest, "hash typed data", err)
	}
	return digest, nil
}
