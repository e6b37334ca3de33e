package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution"
)

// TradeStore implements execution.TradeStore using PostgreSQL.
type TradeStore struct {
	pool  *pgxpool.Pool
	owned *Client
}

var _ execution.TradeStore = (*TradeStore)(nil)

func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Open connects, migrates and returns a store that closes its pool on Close.
func Open(ctx context.Context, cfg ClientConfig) (*TradeStore, error) {
	client, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := client.RunMigrations(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return &TradeStore{pool: client.Pool(), owned: client}, nil
}

func (s *TradeStore) Close() error {
	if s.owned != nil {
		s.owned.Close()
	}
	return nil
}

const tradeSelectCols = `id, status, chain_id, provider, taker, tx_hash, sent_at,
	created_at, updated_at, tx_payload, raw_quote`

func scanTrade(row pgx.Row) (execution.Trade, error) {
	var (
		t                 execution.Trade
		txHash            *string
		payload, rawQuote []byte
	)
	if err := row.Scan(
		&t.ID, &t.Status, &t.ChainID, &t.Provider, &t.Taker, &txHash, &t.SentAt,
		&t.CreatedAt, &t.UpdatedAt, &payload, &rawQuote,
	); err != nil {
		return execution.Trade{}, err
	}
	if txHash != nil {
		t.TxHash = *txHash
	}
	if t.SentAt != nil {
		utc := t.SentAt.UTC()
		t.SentAt = &utc
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(payload) > 0 {
		var p chain.TxPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return execution.Trade{}, fmt.Errorf("decode tx payload: %w", err)
		}
		t.TxPayload = &p
	}
	if len(rawQuote) > 0 {
		t.RawQuote = json.RawMessage(rawQuote)
	}
	return t, nil
}

func (s *TradeStore) Create(ctx context.Context, t execution.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	var payload []byte
	if t.TxPayload != nil {
		buf, err := json.Marshal(t.TxPayload)
		if err != nil {
			return fmt.Errorf("postgres: marshal tx payload: %w", err)
		}
		payload = buf
	}
	var rawQuote []byte
	if len(t.RawQuote) > 0 {
		rawQuote = t.RawQuote
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, status, chain_id, provider, taker, tx_hash, sent_at, created_at, updated_at, tx_payload, raw_quote)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Status, t.ChainID, t.Provider, t.Taker, nullable(t.TxHash), t.SentAt,
		t.CreatedAt, t.UpdatedAt, payload, rawQuote,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return clierr.Newf(clierr.CodeBadRequest, "trade %s already exists", t.ID)
		}
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *TradeStore) Get(ctx context.Context, id string) (execution.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.Trade{}, clierr.Newf(clierr.CodeTradeNotFound, "trade not found: %s", id)
		}
		return execution.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *TradeStore) List(ctx context.Context, status execution.TradeStatus, limit int) ([]execution.Trade, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + tradeSelectCols + ` FROM trades`
	args := []any{}
	if strings.TrimSpace(string(status)) != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades := make([]execution.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trades: %w", err)
	}
	return trades, nil
}

func (s *TradeStore) Transition(ctx context.Context, id string, from execution.TradeStatus, update execution.TradeUpdate) (execution.Trade, error) {
	if err := execution.ValidateTransition(from, update); err != nil {
		return execution.Trade{}, err
	}
	t, err := scanTrade(s.pool.QueryRow(ctx, `
		UPDATE trades SET
			status = $1,
			tx_hash = COALESCE($2, tx_hash),
			sent_at = COALESCE($3, sent_at),
			updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING `+tradeSelectCols,
		update.Status, nullable(update.TxHash), update.SentAt, id, from,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return execution.Trade{}, fmt.Errorf("postgres: transition trade %s: %w", id, err)
	}
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return execution.Trade{}, getErr
	}
	return execution.Trade{}, clierr.Newf(clierr.CodeInvalidTradeState, "trade %s is %s, expected %s", id, current.Status, from)
}

func (s *TradeStore) AppendEvent(ctx context.Context, e execution.TradeEvent) error {
	if strings.TrimSpace(e.TradeID) == "" {
		return clierr.New(clierr.CodeBadRequest, "trade event requires trade_id")
	}
	if e.ID == "" {
		e.ID = execution.NewTradeEvent(e.TradeID, e.Phase, e.Severity, nil).ID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal event payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO trade_events (id, trade_id, phase, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TradeID, e.Phase, e.Severity, payload, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: append trade event: %w", err)
	}
	return nil
}

func (s *TradeStore) Events(ctx context.Context, tradeID string) ([]execution.TradeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, phase, severity, payload, created_at
		FROM trade_events WHERE trade_id = $1 ORDER BY seq ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade events: %w", err)
	}
	defer rows.Close()

	events := make([]execution.TradeEvent, 0)
	for rows.Next() {
		var (
			e       execution.TradeEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Phase, &e.Severity, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("postgres: decode trade event payload: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullable(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
