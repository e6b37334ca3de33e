package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution"
)

func openTestStore(t *testing.T) *TradeStore {
	t.Helper()
	dsn := os.Getenv("CUSTODY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CUSTODY_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := Open(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTrade() execution.Trade {
	return execution.Trade{
		ID:       "pg-" + uuid.NewString(),
		Status:   execution.TradeStatusBuilt,
		ChainID:  8453,
		Provider: "0x",
		Taker:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		TxPayload: &chain.TxPayload{
			To:    "0x5C9bdC801a600c006c388FC032dCb27355154cC9",
			Data:  "0x1fff991f",
			Value: "0",
			Gas:   "250000",
			From:  "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
		RawQuote: json.RawMessage(`{"to":"0x5C9bdC801a600c006c388FC032dCb27355154cC9"}`),
	}
}

func TestTradeStoreLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	trade := testTrade()

	if err := store.Create(ctx, trade); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, trade); !clierr.Is(err, clierr.CodeBadRequest) {
		t.Fatalf("expected duplicate create to fail with bad_request, got %v", err)
	}
	got, err := store.Get(ctx, trade.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != execution.TradeStatusBuilt || got.TxPayload == nil || got.TxPayload.Gas != "250000" {
		t.Fatalf("unexpected trade %+v", got)
	}

	sentAt := time.Now().UTC()
	update := execution.TradeUpdate{Status: execution.TradeStatusSubmitted, TxHash: "0xabc", SentAt: &sentAt}
	submitted, err := store.Transition(ctx, trade.ID, execution.TradeStatusBuilt, update)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if submitted.TxHash != "0xabc" || submitted.SentAt == nil {
		t.Fatalf("unexpected submitted trade %+v", submitted)
	}
	if _, err := store.Transition(ctx, trade.ID, execution.TradeStatusBuilt, update); !clierr.Is(err, clierr.CodeInvalidTradeState) {
		t.Fatalf("expected invalid_trade_state, got %v", err)
	}

	listed, err := store.List(ctx, execution.TradeStatusSubmitted, 100)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, tr := range listed {
		found = found || tr.ID == trade.ID
	}
	if !found {
		t.Fatal("expected submitted trade in list")
	}
}

func TestTradeStoreEventsAppendOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	trade := testTrade()
	if err := store.Create(ctx, trade); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	event := execution.NewTradeEvent(trade.ID, execution.PhaseGuard, execution.SeverityError, map[string]any{"code": "destination_not_allowed"})
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	events, err := store.Events(ctx, trade.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 || events[0].Payload["code"] != "destination_not_allowed" {
		t.Fatalf("unexpected events %+v", events)
	}
	if _, err := store.pool.Exec(ctx, "UPDATE trade_events SET phase = 'error' WHERE trade_id = $1", trade.ID); err == nil {
		t.Fatal("expected update of trade_events to be rejected")
	}
	if _, err := store.pool.Exec(ctx, "DELETE FROM trades WHERE id = $1", trade.ID); err == nil {
		t.Fatal("expected delete of trades to be rejected")
	}
}

func TestGetMissingTrade(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "missing-"+uuid.NewString()); !clierr.Is(err, clierr.CodeTradeNotFound) {
		t.Fatalf("expected trade_not_found, got %v", err)
	}
}
