package signer

import (
	"bytes"
	"context"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/httpx"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/metrics"
)

type WebhookSignerConfig struct {
	URL        string
	Token      string
	Address    string
	Guardrails Guardrails
	Timeout    time.Duration
}

// WebhookSigner delegates signing to an external process that holds the key.
type WebhookSigner struct {
	url     string
	token   string
	address common.Address
	guard   Guardrails
	http    *httpx.Client
	log     zerolog.Logger
}

type webhookSignRequest struct {
	TxPayload chain.TxPayload `json:"txPayload"`
	ChainID   int64           `json:"chainId"`
}

type webhookSignResponse struct {
	SignedTx string `json:"signedTx"`
}

type webhookTypedDataRequest struct {
	TypedData apitypes.TypedData `json:"typedData"`
	ChainID   int64              `json:"chainId"`
}

type webhookTypedDataResponse struct {
	Signature string `json:"signature"`
}

func NewWebhookSigner(cfg WebhookSignerConfig) (*WebhookSigner, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, clierr.New(clierr.CodeSignerUnavailable, "webhook url must be an absolute http(s) url")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, clierr.New(clierr.CodeSignerUnavailable, "webhook token is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Address)) {
		return nil, clierr.New(clierr.CodeConfigInvalid, "custodial address is required for webhook signing")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookSigner{
		url:     parsed.String(),
		token:   strings.TrimSpace(cfg.Token),
		address: common.HexToAddress(strings.TrimSpace(cfg.Address)),
		guard:   cfg.Guardrails,
		http:    httpx.New(timeout, 0),
		log:     logging.Component("signer.webhook"),
	}, nil
}

func (s *WebhookSigner) Address() common.Address { return s.address }

func (s *WebhookSigner) Mode() Mode { return ModeWebhook }

func (s *WebhookSigner) SignTransaction(ctx context.Context, payload chain.TxPayload, chainID int64) (string, error) {
	raw, err := s.signTransaction(ctx, payload, chainID)
	result := "ok"
	if err != nil {
		result = string(clierr.CodeOf(err))
		s.log.Error().Err(err).Str("to", payload.To).Msg("webhook signing failed")
	}
	metrics.SignTotal.WithLabelValues(string(ModeWebhook), result).Inc()
	return raw, err
}

func (s *WebhookSigner) signTransaction(ctx context.Context, payload chain.TxPayload, chainID int64) (string, error) {
	if err := s.guard.Check(payload, chainID); err != nil {
		return "", err
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	var resp webhookSignResponse
	if _, err := httpx.PostJSON(ctx, s.http, s.url, webhookSignRequest{TxPayload: payload, ChainID: chainID}, s.headers(), &resp); err != nil {
		return "", clierr.Wrap(clierr.CodeWebhookSigningFailed, "webhook signing request failed", err)
	}
	signed := strings.TrimSpace(resp.SignedTx)
	if !strings.HasPrefix(signed, "0x") {
		return "", clierr.New(clierr.CodeInvalidSignedTxFormat, "webhook signedTx must be a 0x-prefixed hex string")
	}
	buf, err := hexutil.Decode(signed)
	if err != nil || len(buf) == 0 {
		return "", clierr.Wrap(clierr.CodeInvalidSignedTxFormat, "webhook signedTx is not valid hex", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(buf); err != nil {
		return "", clierr.Wrap(clierr.CodeInvalidSignedTxFormat, "webhook signedTx is not a transaction", err)
	}
	if err := s.verifySigned(tx, payload, chainID); err != nil {
		return "", err
	}
	return signed, nil
}

// verifySigned rejects a returned transaction that does not carry exactly the
// call that was requested.
func (s *WebhookSigner) verifySigned(tx *types.Transaction, payload chain.TxPayload, chainID int64) error {
	to, _ := payload.ToAddress()
	data, _ := payload.CallData()
	value, _ := payload.ValueWei()
	gas, _ := payload.GasLimit()

	mismatch := func(field string) error {
		return clierr.Newf(clierr.CodeSignedTxMismatch, "webhook signed transaction %s differs from payload", field)
	}
	if tx.ChainId() == nil || tx.ChainId().Cmp(big.NewInt(chainID)) != 0 {
		return mismatch("chain id")
	}
	if tx.To() == nil || *tx.To() != to {
		return mismatch("to")
	}
	if tx.Value().Cmp(value) != 0 {
		return mismatch("value")
	}
	if !bytes.Equal(tx.Data(), data) {
		return mismatch("data")
	}
	if tx.Gas() != gas {
		return mismatch("gas")
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
	if err != nil {
		return clierr.Wrap(clierr.CodeInvalidSignedTxFormat, "recover webhook signer", err)
	}
	if sender != s.address {
		return mismatch("sender")
	}
	return nil
}

func (s *WebhookSigner) SignTypedData(ctx context.Context, typedData apitypes.TypedData, chainID int64) ([]byte, error) {
	if err := s.guard.CheckChain(chainID); err != nil {
		return nil, err
	}
	var resp webhookTypedDataResponse
	if _, err := httpx.PostJSON(ctx, s.http, s.url, webhookTypedDataRequest{TypedData: typedData, ChainID: chainID}, s.headers(), &resp); err != nil {
		return nil, clierr.Wrap(clierr.CodeWebhookSigningFailed, "webhook typed data request failed", err)
	}
	sig, err := hexutil.Decode(strings.TrimSpace(resp.Signature))
	if err != nil || len(sig) != 65 {
		return nil, clierr.New(clierr.CodeInvalidSignedTxFormat, "webhook signature must be 65 bytes of 0x-prefixed hex")
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, err
	}
	recoverable := append([]byte(nil), sig...)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(digest, recoverable)
	if err != nil || crypto.PubkeyToAddress(*pub) != s.address {
		return nil, clierr.New(clierr.CodeSignedTxMismatch, "webhook typed data signature is not from the custodial address")
	}
	return sig, nil
}

func (s *WebhookSigner) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}
