package execution

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ggonzalez94/defi-custody/internal/chain/rpctest"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/registry"
)

func wethBalance(h *harness, wei uint64) {
	h.node.Handle("eth_call", rpctest.CallsBySelector(map[string]string{
		rpctest.BalanceOfSelector: rpctest.Uint256Word(wei),
	}))
}

func TestPlanWrapComputesDeficit(t *testing.T) {
	h := newHarness(t, nil)
	wethBalance(h, 100000000000000000)

	plan, err := h.lifecycle.PlanWrap(context.Background(), WrapRequest{
		Owner:            h.custodial.Hex(),
		MinWethNeededWei: "500000000000000000",
	})
	if err != nil {
		t.Fatalf("PlanWrap failed: %v", err)
	}
	if plan.Action != WrapActionPlanned || plan.DeficitWei != "400000000000000000" || plan.DeficitDecimal != "0.4" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	weth, _ := registry.WETH(testChainID)
	p := plan.TxPayload
	if p == nil || !common.IsHexAddress(p.To) || common.HexToAddress(p.To) != common.HexToAddress(weth.Address) {
		t.Fatalf("unexpected wrap payload %+v", p)
	}
	if p.Data != "0xd0e30db0" || p.Value != "400000000000000000" || p.Gas != "60000" {
		t.Fatalf("unexpected wrap payload %+v", p)
	}
	if n := h.node.Calls("eth_getTransactionCount"); n != 0 {
		t.Fatalf("planning must not sign, saw %d nonce fetches", n)
	}
}

func TestPlanWrapNoDeficit(t *testing.T) {
	h := newHarness(t, nil)
	wethBalance(h, 600000000000000000)
	plan, err := h.lifecycle.Wrap(context.Background(), WrapRequest{
		Owner:            h.custodial.Hex(),
		MinWethNeededWei: "500000000000000000",
	})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if plan.Action != WrapActionNone || plan.TxPayload != nil {
		t.Fatalf("expected no-op wrap, got %+v", plan)
	}
	if n := h.node.Calls("eth_sendRawTransaction"); n != 0 {
		t.Fatalf("expected no broadcast, got %d", n)
	}
}

func TestPlanWrapGuards(t *testing.T) {
	cases := []struct {
		name   string
		owner  func(h *harness) string
		needed string
		native string
		code   clierr.Code
	}{
		{name: "owner", owner: func(*harness) string { return "0x00000000000000000000000000000000000000aa" }, needed: "1", code: clierr.CodeOwnerMismatch},
		{name: "bad owner", owner: func(*harness) string { return "bot" }, needed: "1", code: clierr.CodeBadRequest},
		{name: "bad amount", owner: func(h *harness) string { return h.custodial.Hex() }, needed: "0.5", code: clierr.CodeBadRequest},
		{name: "limit", owner: func(h *harness) string { return h.custodial.Hex() }, needed: "2000000000000000000", code: clierr.CodeAmountExceedsLimit},
		{name: "native", owner: func(h *harness) string { return h.custodial.Hex() }, needed: "500000000000000000", native: "0x1", code: clierr.CodeInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tc.native != "" {
				h.node.Handle("eth_getBalance", rpctest.Result(tc.native))
			}
			_, err := h.lifecycle.Wrap(context.Background(), WrapRequest{Owner: tc.owner(h), MinWethNeededWei: tc.needed})
			if !clierr.Is(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if n := h.node.Calls("eth_sendRawTransaction"); n != 0 {
				t.Fatalf("expected no broadcast, got %d", n)
			}
		})
	}
}

func TestWrapRepeatWithinWindowIsPending(t *testing.T) {
	h := newHarness(t, nil)
	wethBalance(h, 100000000000000000)
	req := WrapRequest{Owner: h.custodial.Hex(), MinWethNeededWei: "500000000000000000"}

	first, err := h.lifecycle.Wrap(context.Background(), req)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if first.Action != WrapActionSubmitted || first.TxHash == "" {
		t.Fatalf("unexpected first wrap %+v", first)
	}
	sent := h.node.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(sent))
	}
	if hexutil.Encode(sent[0].Data()) != registry.WETHDepositSelector || sent[0].Value().String() != "400000000000000000" {
		t.Fatalf("unexpected wrap transaction data=%x value=%s", sent[0].Data(), sent[0].Value())
	}

	h.clock.Advance(5 * time.Second)
	second, err := h.lifecycle.Wrap(context.Background(), req)
	if err != nil {
		t.Fatalf("repeat Wrap failed: %v", err)
	}
	if second.Action != WrapActionPending || second.TxHash != first.TxHash {
		t.Fatalf("expected pending with first hash, got %+v", second)
	}
	if n := h.node.Calls("eth_sendRawTransaction"); n != 1 {
		t.Fatalf("repeat wrap broadcast again: %d calls", n)
	}

	h.clock.Advance(30 * time.Second)
	third, err := h.lifecycle.Wrap(context.Background(), req)
	if err != nil {
		t.Fatalf("Wrap after window failed: %v", err)
	}
	if third.Action != WrapActionSubmitted {
		t.Fatalf("expected a new submission after the window, got %+v", third)
	}
}

func TestWrapPlanOnlyAndDryRun(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DryRun = true })
	wethBalance(h, 0)
	req := WrapRequest{Owner: h.custodial.Hex(), MinWethNeededWei: "1000", PlanOnly: true}

	plan, err := h.lifecycle.Wrap(context.Background(), req)
	if err != nil {
		t.Fatalf("Wrap plan failed: %v", err)
	}
	if plan.Action != WrapActionPlanned || plan.TxHash != "" {
		t.Fatalf("unexpected plan %+v", plan)
	}

	req.PlanOnly = false
	dry, err := h.lifecycle.Wrap(context.Background(), req)
	if err != nil {
		t.Fatalf("Wrap dry run failed: %v", err)
	}
	if dry.Action != WrapActionDryRun || dry.TxHash != DryRunTxHash {
		t.Fatalf("unexpected dry run %+v", dry)
	}
	if n := h.node.Calls("eth_sendRawTransaction"); n != 0 {
		t.Fatalf("dry run broadcast %d transactions", n)
	}
	if n := h.node.Calls("eth_getTransactionCount"); n != 1 {
		t.Fatalf("dry run should still sign once, saw %d nonce fetches", n)
	}
}
