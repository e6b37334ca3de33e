package execution

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "trades.db"), filepath.Join(dir, "trades.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func builtTrade(id string) Trade {
	return Trade{
		ID:       id,
		Status:   TradeStatusBuilt,
		ChainID:  8453,
		Provider: "0x",
		Taker:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		TxPayload: &chain.TxPayload{
			To:    "0xdef1c0ded9bec7f1a1670819833240f027b25eff",
			Data:  "0x12345678",
			Value: "0",
			Gas:   "210000",
		},
		RawQuote: json.RawMessage(`{"to":"0xdef1c0ded9bec7f1a1670819833240f027b25eff"}`),
	}
}

func TestStoreCreateGetList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, builtTrade("trade-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := store.Get(ctx, "trade-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != TradeStatusBuilt || got.ChainID != 8453 || got.Provider != "0x" {
		t.Fatalf("unexpected trade: %+v", got)
	}
	if got.TxPayload == nil || got.TxPayload.Data != "0x12345678" {
		t.Fatalf("tx payload did not round trip: %+v", got.TxPayload)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	if err := store.Create(ctx, builtTrade("trade-1")); !clierr.Is(err, clierr.CodeBadRequest) {
		t.Fatalf("expected duplicate create to fail with bad_request, got %v", err)
	}

	built, err := store.List(ctx, TradeStatusBuilt, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(built) != 1 {
		t.Fatalf("expected one built trade, got %d", len(built))
	}
	submitted, err := store.List(ctx, TradeStatusSubmitted, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatalf("expected no submitted trades, got %d", len(submitted))
	}
}

func TestStoreGetMissingTrade(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !clierr.Is(err, clierr.CodeTradeNotFound) {
		t.Fatalf("expected trade_not_found, got %v", err)
	}
}

func TestStoreCreateRejectsHashOnBuiltTrade(t *testing.T) {
	store := openTestStore(t)
	trade := builtTrade("trade-hash")
	trade.TxHash = "0xabc"
	if err := store.Create(context.Background(), trade); !clierr.Is(err, clierr.CodeBadRequest) {
		t.Fatalf("expected bad_request, got %v", err)
	}
}

func TestStoreTransitionIsConditional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, builtTrade("trade-2")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sentAt := time.Now().UTC()
	update := TradeUpdate{Status: TradeStatusSubmitted, TxHash: "0xaaa", SentAt: &sentAt}
	got, err := store.Transition(ctx, "trade-2", TradeStatusBuilt, update)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if got.Status != TradeStatusSubmitted || got.TxHash != "0xaaa" || got.SentAt == nil {
		t.Fatalf("unexpected transitioned trade: %+v", got)
	}

	if _, err := store.Transition(ctx, "trade-2", TradeStatusBuilt, update); !clierr.Is(err, clierr.CodeInvalidTradeState) {
		t.Fatalf("expected second transition to fail with invalid_trade_state, got %v", err)
	}

	mined, err := store.Transition(ctx, "trade-2", TradeStatusSubmitted, TradeUpdate{Status: TradeStatusMined})
	if err != nil {
		t.Fatalf("Transition to mined failed: %v", err)
	}
	if mined.TxHash != "0xaaa" {
		t.Fatalf("expected tx hash to be preserved, got %q", mined.TxHash)
	}

	if _, err := store.Transition(ctx, "trade-2", TradeStatusMined, TradeUpdate{Status: TradeStatusFailed}); !clierr.Is(err, clierr.CodeInvalidTradeState) {
		t.Fatalf("expected terminal transition to be rejected, got %v", err)
	}
	if _, err := store.Transition(ctx, "missing", TradeStatusSubmitted, TradeUpdate{Status: TradeStatusMined}); !clierr.Is(err, clierr.CodeTradeNotFound) {
		t.Fatalf("expected trade_not_found, got %v", err)
	}
}

func TestStoreEventsAreAppendOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, builtTrade("trade-3")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, phase := range []EventPhase{PhaseGuard, PhaseSign, PhaseSubmit} {
		event := NewTradeEvent("trade-3", phase, SeverityInfo, map[string]any{"step": string(phase)})
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := store.Events(ctx, "trade-3")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Phase != PhaseGuard || events[2].Phase != PhaseSubmit {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[1].Payload["step"] != "sign" {
		t.Fatalf("payload did not round trip: %+v", events[1].Payload)
	}

	if _, err := store.db.ExecContext(ctx, "UPDATE trade_events SET phase = 'error'"); err == nil {
		t.Fatal("expected update of trade_events to be rejected")
	}
	if _, err := store.db.ExecContext(ctx, "DELETE FROM trade_events"); err == nil {
		t.Fatal("expected delete of trade_events to be rejected")
	}
	if _, err := store.db.ExecContext(ctx, "DELETE FROM trades"); err == nil {
		t.Fatal("expected delete of trades to be rejected")
	}
}
