package execution

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

type TradeStatus string

type EventPhase string

type Severity string

const (
	TradeStatusBuilt     TradeStatus = "built"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusMined     TradeStatus = "mined"
	TradeStatusFailed    TradeStatus = "failed"
)

const (
	PhaseGuard   EventPhase = "guard"
	PhaseSign    EventPhase = "sign"
	PhaseSubmit  EventPhase = "submit"
	PhaseReceipt EventPhase = "receipt"
	PhaseError   EventPhase = "error"
)

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// DryRunTxHash is returned in place of a hash when broadcast is skipped.
const DryRunTxHash = "0xdryrun_no_transaction_sent"

func ParseTradeStatus(raw string) (TradeStatus, error) {
	switch s := TradeStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case TradeStatusBuilt, TradeStatusSubmitted, TradeStatusMined, TradeStatusFailed:
		return s, nil
	default:
		return "", clierr.Newf(clierr.CodeBadRequest, "unknown trade status %q", raw)
	}
}

func (s TradeStatus) Terminal() bool {
	return s == TradeStatusMined || s == TradeStatusFailed
}

// HasTxHash reports whether a trade in this status must carry a tx hash.
func (s TradeStatus) HasTxHash() bool {
	return s == TradeStatusSubmitted || s.Terminal()
}

type Trade struct {
	ID        string           `json:"id"`
	Status    TradeStatus      `json:"status"`
	ChainID   int64            `json:"chain_id"`
	Provider  string           `json:"provider"`
	TxPayload *chain.TxPayload `json:"tx_payload,omitempty"`
	RawQuote  json.RawMessage  `json:"raw_quote,omitempty"`
	Taker     string           `json:"taker"`
	TxHash    string           `json:"tx_hash,omitempty"`
	SentAt    *time.Time       `json:"sent_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (t Trade) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return clierr.New(clierr.CodeBadRequest, "trade id is required")
	}
	if _, err := ParseTradeStatus(string(t.Status)); err != nil {
		return err
	}
	hasHash := strings.TrimSpace(t.TxHash) != ""
	if t.Status.HasTxHash() && !hasHash {
		return clierr.Newf(clierr.CodeBadRequest, "trade in status %s requires a tx_hash", t.Status)
	}
	if !t.Status.HasTxHash() && hasHash {
		return clierr.Newf(clierr.CodeBadRequest, "trade in status %s must not carry a tx_hash", t.Status)
	}
	if len(t.RawQuote) > 0 && !json.Valid(t.RawQuote) {
		return clierr.New(clierr.CodeBadRequest, "raw_quote must be valid JSON")
	}
	return nil
}

type TradeEvent struct {
	ID        string         `json:"id"`
	TradeID   string         `json:"trade_id"`
	Phase     EventPhase     `json:"phase"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewTradeEvent(tradeID string, phase EventPhase, severity Severity, payload map[string]any) TradeEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return TradeEvent{
		ID:        "evt_" + uuid.NewString(),
		TradeID:   tradeID,
		Phase:     phase,
		Severity:  severity,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// TradeUpdate is applied by TradeStore.Transition.
type TradeUpdate struct {
	Status TradeStatus
	TxHash string
	SentAt *time.Time
}

// TradeStore persists trades and their append-only audit trail. Trades are
// never deleted; events are never updated or deleted.
type TradeStore interface {
	Create(ctx context.Context, trade Trade) error
	Get(ctx context.Context, id string) (Trade, error)
	List(ctx context.Context, status TradeStatus, limit int) ([]Trade, error)
	// Transition applies update only if the trade is currently in from.
	Transition(ctx context.Context, id string, from TradeStatus, update TradeUpdate) (Trade, error)
	AppendEvent(ctx context.Context, event TradeEvent) error
	Events(ctx context.Context, tradeID string) ([]TradeEvent, error)
	Close() error
}

var legalTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusBuilt:     {TradeStatusSubmitted},
	TradeStatusSubmitted: {TradeStatusMined, TradeStatusFailed},
}

// ValidateTransition is shared by every TradeStore implementation.
func ValidateTransition(from TradeStatus, update TradeUpdate) error {
	allowed := false
	for _, to := range legalTransitions[from] {
		if to == update.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return clierr.Newf(clierr.CodeInvalidTradeState, "illegal trade transition %s -> %s", from, update.Status)
	}
	if update.Status == TradeStatusSubmitted && (strings.TrimSpace(update.TxHash) == "" || update.SentAt == nil) {
		return clierr.New(clierr.CodeInvalidTradeState, "submitted trades require tx_hash and sent_at")
	}
	return nil
}
