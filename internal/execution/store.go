package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

// Store is the sqlite TradeStore. Writes take a file lock so several
// processes on one host can share the database.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

var _ TradeStore = (*Store)(nil)

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trade store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create trade lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trade sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			provider TEXT NOT NULL,
			taker TEXT NOT NULL,
			tx_hash TEXT,
			sent_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			tx_payload BLOB,
			raw_quote BLOB
		);`,
		"CREATE INDEX IF NOT EXISTS idx_trades_status_updated ON trades(status, updated_at DESC);",
		`CREATE TABLE IF NOT EXISTS trade_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			trade_id TEXT NOT NULL REFERENCES trades(id),
			phase TEXT NOT NULL,
			severity TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_trade_events_trade ON trade_events(trade_id, seq);",
		`CREATE TRIGGER IF NOT EXISTS trade_events_no_update BEFORE UPDATE ON trade_events
		BEGIN SELECT RAISE(ABORT, 'trade_events is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS trade_events_no_delete BEFORE DELETE ON trade_events
		BEGIN SELECT RAISE(ABORT, 'trade_events is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS trades_no_delete BEFORE DELETE ON trades
		BEGIN SELECT RAISE(ABORT, 'trades are never deleted'); END;`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init trade schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock trade store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock trade store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) Create(ctx context.Context, trade Trade) error {
	if err := trade.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	if trade.UpdatedAt.IsZero() {
		trade.UpdatedAt = trade.CreatedAt
	}
	var payload []byte
	if trade.TxPayload != nil {
		buf, err := json.Marshal(trade.TxPayload)
		if err != nil {
			return fmt.Errorf("marshal tx payload: %w", err)
		}
		payload = buf
	}
	var rawQuote []byte
	if len(trade.RawQuote) > 0 {
		rawQuote = trade.RawQuote
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trades (id, status, chain_id, provider, taker, tx_hash, sent_at, created_at, updated_at, tx_payload, raw_quote)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, trade.ID, trade.Status, trade.ChainID, trade.Provider, trade.Taker, nullString(trade.TxHash), nullTime(trade.SentAt),
			trade.CreatedAt.UnixNano(), trade.UpdatedAt.UnixNano(), payload, rawQuote)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return clierr.Newf(clierr.CodeBadRequest, "trade %s already exists", trade.ID)
			}
			return fmt.Errorf("create trade: %w", err)
		}
		return nil
	})
}

const tradeColumns = "id, status, chain_id, provider, taker, tx_hash, sent_at, created_at, updated_at, tx_payload, raw_quote"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (Trade, error) {
	var (
		trade              Trade
		txHash             sql.NullString
		sentAt             sql.NullInt64
		createdAt, updated int64
		payload, rawQuote  []byte
	)
	if err := row.Scan(&trade.ID, &trade.Status, &trade.ChainID, &trade.Provider, &trade.Taker, &txHash, &sentAt, &createdAt, &updated, &payload, &rawQuote); err != nil {
		return Trade{}, err
	}
	trade.TxHash = txHash.String
	if sentAt.Valid {
		t := time.Unix(0, sentAt.Int64).UTC()
		trade.SentAt = &t
	}
	trade.CreatedAt = time.Unix(0, createdAt).UTC()
	trade.UpdatedAt = time.Unix(0, updated).UTC()
	if len(payload) > 0 {
		var p chain.TxPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Trade{}, fmt.Errorf("decode tx payload: %w", err)
		}
		trade.TxPayload = &p
	}
	if len(rawQuote) > 0 {
		trade.RawQuote = json.RawMessage(rawQuote)
	}
	return trade, nil
}

func (s *Store) Get(ctx context.Context, id string) (Trade, error) {
	trade, err := scanTrade(s.db.QueryRowContext(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trade{}, clierr.Newf(clierr.CodeTradeNotFound, "trade not found: %s", id)
		}
		return Trade{}, fmt.Errorf("read trade: %w", err)
	}
	return trade, nil
}

func (s *Store) List(ctx context.Context, status TradeStatus, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(string(status)) == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+tradeColumns+" FROM trades ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+tradeColumns+" FROM trades WHERE status = ? ORDER BY updated_at DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}
	return trades, nil
}

func (s *Store) Transition(ctx context.Context, id string, from TradeStatus, update TradeUpdate) (Trade, error) {
	if err := ValidateTransition(from, update); err != nil {
		return Trade{}, err
	}
	err := s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE trades SET
				status = ?,
				tx_hash = COALESCE(?, tx_hash),
				sent_at = COALESCE(?, sent_at),
				updated_at = ?
			WHERE id = ? AND status = ?
		`, update.Status, nullString(update.TxHash), nullTime(update.SentAt), time.Now().UTC().UnixNano(), id, from)
		if err != nil {
			return fmt.Errorf("transition trade: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition trade: %w", err)
		}
		if n == 0 {
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return getErr
			}
			return clierr.Newf(clierr.CodeInvalidTradeState, "trade %s is %s, expected %s", id, current.Status, from)
		}
		return nil
	})
	if err != nil {
		return Trade{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) AppendEvent(ctx context.Context, event TradeEvent) error {
	if strings.TrimSpace(event.TradeID) == "" {
		return clierr.New(clierr.CodeBadRequest, "trade event requires trade_id")
	}
	if event.ID == "" {
		generated := NewTradeEvent(event.TradeID, event.Phase, event.Severity, event.Payload)
		event.ID = generated.ID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trade_events (id, trade_id, phase, severity, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, event.ID, event.TradeID, event.Phase, event.Severity, payload, event.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("append trade event: %w", err)
		}
		return nil
	})
}

func (s *Store) Events(ctx context.Context, tradeID string) ([]TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, trade_id, phase, severity, payload, created_at FROM trade_events WHERE trade_id = ? ORDER BY seq ASC", tradeID)
	if err != nil {
		return nil, fmt.Errorf("list trade events: %w", err)
	}
	defer rows.Close()

	events := make([]TradeEvent, 0)
	for rows.Next() {
		var (
			event     TradeEvent
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &event.TradeID, &event.Phase, &event.Severity, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode trade event payload: %w", err)
		}
		event.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade events: %w", err)
	}
	return events, nil
}

func nullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}
