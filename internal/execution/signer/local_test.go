package signer

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	"github.com/ggonzalez94/defi-custody/internal/chain/rpctest"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

func newTestLocalSigner(t *testing.T) (*LocalSigner, *rpctest.Node) {
	t.Helper()
	node := rpctest.New(t)
	client, err := chain.Dial(context.Background(), node.URL)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(client.Close)
	s, err := NewLocalSigner(LocalSignerConfig{
		PrivateKeyHex:   testPrivateKey,
		ExpectedAddress: testAddress(t).Hex(),
		Guardrails:      testGuardrails(),
	}, client, chain.NewFeeEstimator(client))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return s, node
}

func decodeSigned(t *testing.T, raw string) *types.Transaction {
	t.Helper()
	buf, err := hexutil.Decode(raw)
	if err != nil {
		t.Fatalf("decode signed tx: %v", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal signed tx: %v", err)
	}
	return tx
}

func TestNewLocalSignerRejectsAddressMismatch(t *testing.T) {
	node := rpctest.New(t)
	client, err := chain.Dial(context.Background(), node.URL)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	_, err = NewLocalSigner(LocalSignerConfig{
		PrivateKeyHex:   testPrivateKey,
		ExpectedAddress: "0x00000000000000000000000000000000000000aa",
		Guardrails:      testGuardrails(),
	}, client, chain.NewFeeEstimator(client))
	if !clierr.Is(err, clierr.CodeConfigInvalid) {
		t.Fatalf("expected config_invalid for address mismatch, got %v", err)
	}
	_, err = NewLocalSigner(LocalSignerConfig{ExpectedAddress: testAddress(t).Hex()}, client, chain.NewFeeEstimator(client))
	if !clierr.Is(err, clierr.CodeSignerUnavailable) {
		t.Fatalf("expected signer_unavailable without key, got %v", err)
	}
}

func TestNewLocalSignerFromFileAndKeystore(t *testing.T) {
	node := rpctest.New(t)
	client, _ := chain.Dial(context.Background(), node.URL)
	defer client.Close()
	dir := t.TempDir()

	keyFile := filepath.Join(dir, "key.hex")
	if err := os.WriteFile(keyFile, []byte("0x"+testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	s, err := NewLocalSigner(LocalSignerConfig{PrivateKeyFile: keyFile, ExpectedAddress: testAddress(t).Hex(), Guardrails: testGuardrails()}, client, chain.NewFeeEstimator(client))
	if err != nil {
		t.Fatalf("NewLocalSigner from file failed: %v", err)
	}
	if s.Address() != testAddress(t) || s.Mode() != ModeLocal {
		t.Fatalf("unexpected signer %s %s", s.Address().Hex(), s.Mode())
	}

	pk, _ := crypto.HexToECDSA(testPrivateKey)
	encrypted, err := keystore.EncryptKey(&keystore.Key{Id: uuid.New(), Address: testAddress(t), PrivateKey: pk}, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	ksPath := filepath.Join(dir, "keystore.json")
	if err := os.WriteFile(ksPath, encrypted, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	if _, err := NewLocalSigner(LocalSignerConfig{KeystorePath: ksPath, KeystorePassword: "hunter2", ExpectedAddress: testAddress(t).Hex(), Guardrails: testGuardrails()}, client, chain.NewFeeEstimator(client)); err != nil {
		t.Fatalf("NewLocalSigner from keystore failed: %v", err)
	}
	if _, err := NewLocalSigner(LocalSignerConfig{KeystorePath: ksPath, ExpectedAddress: testAddress(t).Hex()}, client, chain.NewFeeEstimator(client)); err == nil {
		t.Fatal("expected missing keystore password error")
	}
}

func TestLocalSignerSignsDynamicFeeTx(t *testing.T) {
	s, node := newTestLocalSigner(t)
	node.Handle("eth_getTransactionCount", rpctest.Result("0x7"))

	raw, err := s.SignTransaction(context.Background(), testPayload(s.Address()), 8453)
	if err != nil {
		t.Fatalf("SignTransaction failed: %v", err)
	}
	tx := decodeSigned(t, raw)
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("expected dynamic fee tx, got type %d", tx.Type())
	}
	if tx.Nonce() != 7 || tx.Gas() != 60000 || tx.Value().String() != "400000000000000000" {
		t.Fatalf("unexpected tx fields nonce=%d gas=%d value=%s", tx.Nonce(), tx.Gas(), tx.Value())
	}
	if tx.ChainId().Int64() != 8453 || tx.To().Hex() != "0x4200000000000000000000000000000000000006" || hexutil.Encode(tx.Data()) != "0xd0e30db0" {
		t.Fatalf("unexpected tx target/data")
	}
	// Default node: base fee 1 gwei, tip 1 gwei.
	if tx.GasTipCap().String() != "1000000000" || tx.GasFeeCap().String() != "3000000000" {
		t.Fatalf("unexpected fees tip=%s cap=%s", tx.GasTipCap(), tx.GasFeeCap())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil || sender != s.Address() {
		t.Fatalf("unexpected sender %s err=%v", sender.Hex(), err)
	}

	var params []string
	raw2, _ := json.Marshal(node.LastParams("eth_getTransactionCount"))
	_ = json.Unmarshal(raw2, &params)
	if len(params) != 2 || params[1] != "latest" {
		t.Fatalf("unexpected nonce params %v", params)
	}
}

func TestLocalSignerRejectsForeignFromWithoutRPC(t *testing.T) {
	s, node := newTestLocalSigner(t)
	for _, from := range []string{
		"0x00000000000000000000000000000000000000aa",
		"0x000000000000000000000000000000000000dead",
	} {
		p := testPayload(common.HexToAddress(from))
		if _, err := s.SignTransaction(context.Background(), p, 8453); !clierr.Is(err, clierr.CodeFromMismatch) {
			t.Fatalf("expected from_mismatch for %s, got %v", from, err)
		}
	}
	if node.Calls("eth_getTransactionCount") != 0 || node.Calls("eth_feeHistory") != 0 {
		t.Fatal("did not expect rpc calls for rejected payloads")
	}
}

func TestLocalSignerValueCapAndChain(t *testing.T) {
	s, node := newTestLocalSigner(t)
	p := testPayload(s.Address())
	p.Value = "2000000000000000000"
	if _, err := s.SignTransaction(context.Background(), p, 8453); !clierr.Is(err, clierr.CodeValueExceedsMaximum) {
		t.Fatalf("expected value_exceeds_maximum, got %v", err)
	}
	if _, err := s.SignTransaction(context.Background(), testPayload(s.Address()), 1); !clierr.Is(err, clierr.CodeChainNotAllowed) {
		t.Fatalf("expected chain_not_allowed, got %v", err)
	}
	if node.Calls("eth_getTransactionCount") != 0 {
		t.Fatal("did not expect nonce fetch for rejected payloads")
	}
}

func TestLocalSignerConcurrentCallsGetDistinctNonces(t *testing.T) {
	s, _ := newTestLocalSigner(t)
	const n = 8
	var wg sync.WaitGroup
	raws := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raws[i], errs[i] = s.SignTransaction(context.Background(), testPayload(s.Address()), 8453)
		}(i)
	}
	wg.Wait()
	nonces := make([]uint64, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("SignTransaction failed: %v", err)
		}
		nonces[i] = decodeSigned(t, raws[i]).Nonce()
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, nonce := range nonces {
		if nonce != uint64(i) {
			t.Fatalf("expected nonces 0..%d, got %v", n-1, nonces)
		}
	}
}

func TestLocalSignerReleaseNonce(t *testing.T) {
	s, node := newTestLocalSigner(t)
	first, err := s.SignTransaction(context.Background(), testPayload(s.Address()), 8453)
	if err != nil {
		t.Fatalf("SignTransaction failed: %v", err)
	}
	s.ReleaseNonce(first)
	second, err := s.SignTransaction(context.Background(), testPayload(s.Address()), 8453)
	if err != nil {
		t.Fatalf("SignTransaction failed: %v", err)
	}
	if decodeSigned(t, second).Nonce() != 0 {
		t.Fatalf("expected released nonce to be reused")
	}
	// Chain nonce moving ahead of the cursor wins.
	node.Handle("eth_getTransactionCount", rpctest.Result("0x9"))
	third, _ := s.SignTransaction(context.Background(), testPayload(s.Address()), 8453)
	if decodeSigned(t, third).Nonce() != 9 {
		t.Fatalf("expected chain nonce 9 to win over local cursor")
	}
	s.ReleaseNonce("not-hex")
}

func TestLocalSignerTypedData(t *testing.T) {
	s, _ := newTestLocalSigner(t)
	td := permitTypedData("0x0000000000001fF3684f28c67538d4D072C22734", 8453)
	sig, err := s.SignTypedData(context.Background(), td, 8453)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	if got := recoverTypedDataSigner(t, td, sig); got != s.Address() {
		t.Fatalf("typed data recovered %s, want %s", got.Hex(), s.Address().Hex())
	}
	if _, err := s.SignTypedData(context.Background(), td, 1); !clierr.Is(err, clierr.CodeChainNotAllowed) {
		t.Fatalf("expected chain_not_allowed, got %v", err)
	}
}
