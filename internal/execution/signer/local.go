package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/metrics"
)

type NonceReader interface {
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
}

type FeeEstimator interface {
	Estimate(ctx context.Context) (chain.Fees, error)
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
	// ExpectedAddress must match the address derived from the key.
	ExpectedAddress string
	Guardrails      Guardrails
}

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	guard      Guardrails
	nonces     NonceReader
	fees       FeeEstimator
	locks      *AccountLocks
	log        zerolog.Logger

	cursorMu sync.Mutex
	cursor   uint64
}

func NewLocalSigner(cfg LocalSignerConfig, nonces NonceReader, fees FeeEstimator) (*LocalSigner, error) {
	if nonces == nil || fees == nil {
		return nil, clierr.New(clierr.CodeSignerUnavailable, "local signer requires an rpc client")
	}
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSignerUnavailable, "load signing key", err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, clierr.New(clierr.CodeSignerUnavailable, "invalid ECDSA public key")
	}
	addr := crypto.PubkeyToAddress(*pub)
	if !common.IsHexAddress(strings.TrimSpace(cfg.ExpectedAddress)) {
		return nil, clierr.New(clierr.CodeConfigInvalid, "custodial address is required for local signing")
	}
	if expected := common.HexToAddress(strings.TrimSpace(cfg.ExpectedAddress)); expected != addr {
		return nil, clierr.Newf(clierr.CodeConfigInvalid, "signing key derives %s but custodial address is %s", addr.Hex(), expected.Hex())
	}
	return &LocalSigner{
		privateKey: pk,
		address:    addr,
		guard:      cfg.Guardrails,
		nonces:     nonces,
		fees:       fees,
		locks:      NewAccountLocks(),
		log:        logging.Component("signer.local"),
	}, nil
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) Mode() Mode { return ModeLocal }

func (s *LocalSigner) SignTransaction(ctx context.Context, payload chain.TxPayload, chainID int64) (string, error) {
	raw, err := s.signTransaction(ctx, payload, chainID)
	result := "ok"
	if err != nil {
		result = string(clierr.CodeOf(err))
	}
	metrics.SignTotal.WithLabelValues(string(ModeLocal), result).Inc()
	return raw, err
}

func (s *LocalSigner) signTransaction(ctx context.Context, payload chain.TxPayload, chainID int64) (string, error) {
	if err := s.guard.Check(payload, chainID); err != nil {
		return "", err
	}
	from, err := payload.FromAddress()
	if err != nil {
		return "", err
	}
	if from != s.address {
		return "", clierr.Newf(clierr.CodeFromMismatch, "payload.from %s is not the custodial address", from.Hex())
	}
	to, err := payload.ToAddress()
	if err != nil {
		return "", err
	}
	data, err := payload.CallData()
	if err != nil {
		return "", err
	}
	value, err := payload.ValueWei()
	if err != nil {
		return "", err
	}
	gas, err := payload.GasLimit()
	if err != nil {
		return "", err
	}

	// Held from nonce fetch through signing so two calls never share a nonce.
	unlock := s.locks.Lock(chainID, s.address)
	defer unlock()

	latest, err := s.nonces.TransactionCount(ctx, s.address)
	if err != nil {
		return "", err
	}
	fees, err := s.fees.Estimate(ctx)
	if err != nil {
		return "", err
	}
	nonce := s.reserveNonce(latest)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), s.privateKey)
	if err != nil {
		s.releaseNonce(nonce)
		return "", clierr.Wrap(clierr.CodeSigningFailed, "sign transaction", err)
	}
	buf, err := signed.MarshalBinary()
	if err != nil {
		s.releaseNonce(nonce)
		return "", clierr.Wrap(clierr.CodeSigningFailed, "encode signed transaction", err)
	}
	s.log.Debug().Uint64("nonce", nonce).Str("fee_source", string(fees.Source)).Str("tx_hash", signed.Hash().Hex()).Msg("signed transaction")
	return hexutil.Encode(buf), nil
}

func (s *LocalSigner) SignTypedData(_ context.Context, typedData apitypes.TypedData, chainID int64) ([]byte, error) {
	if err := s.guard.CheckChain(chainID); err != nil {
		return nil, err
	}
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigningFailed, "sign typed data", err)
	}
	sig[64] += 27
	return sig, nil
}

// ReleaseNonce rolls the local cursor back when the given transaction was the
// most recent one handed out.
func (s *LocalSigner) ReleaseNonce(signedTx string) {
	buf, err := hexutil.Decode(strings.TrimSpace(signedTx))
	if err != nil {
		return
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(buf); err != nil {
		return
	}
	s.releaseNonce(tx.Nonce())
}

func (s *LocalSigner) reserveNonce(latest uint64) uint64 {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	nonce := latest
	if s.cursor > nonce {
		nonce = s.cursor
	}
	s.cursor = nonce + 1
	return nonce
}

func (s *LocalSigner) releaseNonce(nonce uint64) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if s.cursor == nonce+1 {
		s.cursor = nonce
	}
}

func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		return parseHexKey(cfg.PrivateKeyHex)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	}
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		password := cfg.KeystorePassword
		if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
			buf, err := os.ReadFile(cfg.KeystorePasswordFile)
			if err != nil {
				return nil, fmt.Errorf("read keystore password file: %w", err)
			}
			password = strings.TrimSpace(string(buf))
		}
		if strings.TrimSpace(password) == "" {
			return nil, fmt.Errorf("keystore password is required")
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore file: %w", err)
		}
		key, err := keystore.DecryptKey(buf, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	return nil, fmt.Errorf("missing signing key: set private_key, private_key_file or keystore_path")
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}
