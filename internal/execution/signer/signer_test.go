package signer

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/registry"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func testAddress(t *testing.T) common.Address {
	t.Helper()
	pk, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	return crypto.PubkeyToAddress(pk.PublicKey)
}

func testGuardrails() Guardrails {
	return Guardrails{ChainID: 8453, MaxValueWei: big.NewInt(1_000_000_000_000_000_000)}
}

func testPayload(from common.Address) chain.TxPayload {
	return chain.TxPayload{
		To:    "0x4200000000000000000000000000000000000006",
		Data:  "0xd0e30db0",
		Value: "400000000000000000",
		Gas:   "60000",
		From:  from.Hex(),
	}
}

func permitTypedData(spender string, chainID int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PermitTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "PermitTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: registry.Permit2Address,
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				"amount": "1000000",
			},
			"spender":  spender,
			"nonce":    "1",
			"deadline": "1900000000",
		},
	}
}

func recoverTypedDataSigner(t *testing.T, typedData apitypes.TypedData, sig []byte) common.Address {
	t.Helper()
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		t.Fatalf("TypedDataDigest failed: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape: len=%d v=%d", len(sig), sig[len(sig)-1])
	}
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub)
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeWebhook {
		t.Fatalf("expected webhook default, got %q err=%v", m, err)
	}
	if m, err := ParseMode(" LOCAL "); err != nil || m != ModeLocal {
		t.Fatalf("expected local, got %q err=%v", m, err)
	}
	if _, err := ParseMode("vault"); !clierr.Is(err, clierr.CodeConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestGuardrails(t *testing.T) {
	g := testGuardrails()
	p := testPayload(common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err := g.Check(p, 8453); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if err := g.Check(p, 1); !clierr.Is(err, clierr.CodeChainNotAllowed) {
		t.Fatalf("expected chain_not_allowed, got %v", err)
	}
	p.Value = "1000000000000000001"
	if err := g.Check(p, 8453); !clierr.Is(err, clierr.CodeValueExceedsMaximum) {
		t.Fatalf("expected value_exceeds_maximum, got %v", err)
	}
	p.Value = "1000000000000000000"
	if err := g.Check(p, 8453); err != nil {
		t.Fatalf("value equal to cap should pass: %v", err)
	}
}

func TestAccountLocksSerializePerAccount(t *testing.T) {
	locks := NewAccountLocks()
	a := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	unlockA := locks.Lock(8453, a)
	// A different account must not block.
	unlockB := locks.Lock(8453, b)
	unlockB()

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock(8453, a)
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock on same account acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
}
