package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-custody/internal/amount"
	"github.com/ggonzalez94/defi-custody/internal/chain"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution/signer"
	"github.com/ggonzalez94/defi-custody/internal/idempotency"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/metrics"
)

const (
	DefaultReceiptInterval = 2 * time.Second
	DefaultReceiptAttempts = 30
)

type ExecuteAction string

const (
	ActionSubmitted ExecuteAction = "submitted"
	ActionPending   ExecuteAction = "pending"
	ActionDryRun    ExecuteAction = "dry_run"
)

// TxBroadcaster submits signed transactions and resolves their receipts.
type TxBroadcaster interface {
	Send(ctx context.Context, signedTx string) (string, error)
	PollReceipt(ctx context.Context, txHash string, maxAttempts int, interval time.Duration) (chain.ReceiptResult, error)
}

type Config struct {
	ChainID         int64
	Custodial       common.Address
	DryRun          bool
	MaxAutoWrapWei  *big.Int
	MaxTxValueWei   *big.Int
	QuoteProviders  []string
	ReceiptInterval time.Duration
	// ReceiptAttempts bounds Poll when the caller gives no wait.
	ReceiptAttempts int
}

type Deps struct {
	Store       TradeStore
	Signer      signer.Signer
	Chain       ChainReader
	Broadcaster TxBroadcaster
	Guard       idempotency.Guard
}

type ExecuteResult struct {
	TradeID string        `json:"trade_id"`
	Status  TradeStatus   `json:"status"`
	Action  ExecuteAction `json:"action"`
	TxHash  string        `json:"tx_hash"`
	// ValueDecimal is the payload value in native units.
	ValueDecimal string               `json:"value_decimal,omitempty"`
	SentAt       *time.Time           `json:"sent_at,omitempty"`
	Receipt      *chain.ReceiptResult `json:"receipt,omitempty"`
}

type PollResult struct {
	TradeID string               `json:"trade_id"`
	Status  TradeStatus          `json:"status"`
	TxHash  string               `json:"tx_hash"`
	Receipt *chain.ReceiptResult `json:"receipt,omitempty"`
}

type ReconcileResult struct {
	Checked  int          `json:"checked"`
	Resolved int          `json:"resolved"`
	Pending  int          `json:"pending"`
	Errors   int          `json:"errors"`
	Trades   []PollResult `json:"trades"`
}

// Lifecycle drives trades from built to submitted and resolves them to mined
// or failed from receipts.
type Lifecycle struct {
	cfg       Config
	store     TradeStore
	signer    signer.Signer
	chain     ChainReader
	broadcast TxBroadcaster
	guard     idempotency.Guard
	validator *DestinationValidator
	sendLocks *signer.AccountLocks
	log       zerolog.Logger
}

func NewLifecycle(cfg Config, deps Deps) (*Lifecycle, error) {
	missing := make([]string, 0)
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Signer == nil {
		missing = append(missing, "signer")
	}
	if deps.Chain == nil {
		missing = append(missing, "chain reader")
	}
	if deps.Broadcaster == nil {
		missing = append(missing, "broadcaster")
	}
	if deps.Guard == nil {
		missing = append(missing, "idempotency guard")
	}
	if len(missing) > 0 {
		return nil, clierr.Newf(clierr.CodeConfigInvalid, "lifecycle is missing: %s", strings.Join(missing, ", "))
	}
	if cfg.ChainID <= 0 {
		return nil, clierr.New(clierr.CodeConfigInvalid, "lifecycle requires a chain id")
	}
	if cfg.Custodial == (common.Address{}) {
		cfg.Custodial = deps.Signer.Address()
	}
	if cfg.Custodial != deps.Signer.Address() {
		return nil, clierr.Newf(clierr.CodeConfigInvalid, "signer address %s does not match custodial address %s", deps.Signer.Address().Hex(), cfg.Custodial.Hex())
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = DefaultReceiptInterval
	}
	if cfg.ReceiptAttempts <= 0 {
		cfg.ReceiptAttempts = DefaultReceiptAttempts
	}
	if cfg.QuoteProviders == nil {
		cfg.QuoteProviders = DefaultQuoteProviders
	}
	return &Lifecycle{
		cfg:       cfg,
		store:     deps.Store,
		signer:    deps.Signer,
		chain:     deps.Chain,
		broadcast: deps.Broadcaster,
		guard:     deps.Guard,
		validator: NewDestinationValidator(cfg.ChainID, cfg.QuoteProviders),
		sendLocks: signer.NewAccountLocks(),
		log:       logging.Component("lifecycle"),
	}, nil
}

func (l *Lifecycle) Config() Config { return l.cfg }

func tradeKey(id string) string { return "trade:" + id }

// Execute signs and broadcasts a built trade. maxWait > 0 additionally polls
// for the receipt; a poll that runs out reports a timeout and leaves the trade
// submitted.
func (l *Lifecycle) Execute(ctx context.Context, tradeID string, maxWait time.Duration) (ExecuteResult, error) {
	trade, err := l.store.Get(ctx, tradeID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if trade.ChainID != l.cfg.ChainID {
		err := clierr.Newf(clierr.CodeChainNotAllowed, "trade chain %d is not the configured chain %d", trade.ChainID, l.cfg.ChainID)
		return ExecuteResult{}, l.fail(ctx, trade.ID, "chain", err)
	}
	if trade.TxPayload == nil {
		err := clierr.New(clierr.CodeBadRequest, "trade has no tx_payload")
		return ExecuteResult{}, l.fail(ctx, trade.ID, "payload", err)
	}
	if err := l.validator.Validate(trade); err != nil {
		return ExecuteResult{}, l.reject(ctx, trade, err)
	}

	unlock := l.sendLocks.Lock(l.cfg.ChainID, l.cfg.Custodial)
	result, err := l.submit(ctx, tradeID)
	unlock()
	if err != nil || maxWait <= 0 || result.Action != ActionSubmitted {
		return result, err
	}

	poll, err := l.Poll(ctx, tradeID, maxWait)
	if err != nil {
		l.log.Warn().Err(err).Str("trade_id", tradeID).Msg("receipt wait failed after broadcast")
		return result, nil
	}
	result.Status = poll.Status
	result.Receipt = poll.Receipt
	return result, nil
}

// submit runs under the per-account send lock.
func (l *Lifecycle) submit(ctx context.Context, tradeID string) (ExecuteResult, error) {
	key := tradeKey(tradeID)
	reservation, err := l.guard.CheckOrReserve(ctx, key)
	if err != nil {
		return ExecuteResult{}, l.fail(ctx, tradeID, "idempotency", clierr.Wrap(clierr.CodeUnavailable, "reserve idempotency key", err))
	}
	if !reservation.FirstSeen {
		metrics.IdempotencyDuplicates.WithLabelValues("execute").Inc()
		current, err := l.store.Get(ctx, tradeID)
		if err != nil {
			return ExecuteResult{}, l.fail(ctx, tradeID, "reload", err)
		}
		return ExecuteResult{
			TradeID: tradeID,
			Status:  current.Status,
			Action:  ActionPending,
			TxHash:  reservation.ExistingTxHash,
			SentAt:  current.SentAt,
		}, nil
	}

	// Reload under the lock; the trade may have moved since the first read.
	trade, err := l.store.Get(ctx, tradeID)
	if err != nil {
		l.release(ctx, key)
		return ExecuteResult{}, l.fail(ctx, tradeID, "reload", err)
	}
	signedTx, err := l.prepare(ctx, trade)
	if err != nil {
		l.release(ctx, key)
		return ExecuteResult{}, err
	}

	if l.cfg.DryRun {
		l.releaseNonce(signedTx)
		l.release(ctx, key)
		return ExecuteResult{
			TradeID: trade.ID,
			Status:  trade.Status,
			Action:  ActionDryRun,
			TxHash:  DryRunTxHash,

			ValueDecimal: nativeValue(trade),
		}, nil
	}

	txHash, err := l.broadcast.Send(ctx, signedTx)
	if err != nil {
		l.releaseNonce(signedTx)
		l.release(ctx, key)
		return ExecuteResult{}, l.fail(ctx, trade.ID, "broadcast", err)
	}

	sentAt := time.Now().UTC()
	updated, err := l.store.Transition(ctx, trade.ID, TradeStatusBuilt, TradeUpdate{
		Status: TradeStatusSubmitted,
		TxHash: txHash,
		SentAt: &sentAt,
	})
	if recordErr := l.guard.Record(ctx, key, txHash); recordErr != nil {
		l.log.Error().Err(recordErr).Str("trade_id", trade.ID).Str("tx_hash", txHash).Msg("record idempotency hash")
	}
	if err != nil {
		// The transaction is on the wire; only the bookkeeping failed.
		l.log.Error().Err(err).Str("trade_id", trade.ID).Str("tx_hash", txHash).Msg("persist submitted trade")
		return ExecuteResult{}, clierr.Wrap(clierr.CodeUnexpected, fmt.Sprintf("transaction %s broadcast but trade was not updated", txHash), err)
	}
	l.appendEvent(ctx, NewTradeEvent(trade.ID, PhaseSubmit, SeverityInfo, map[string]any{
		"tx_hash": txHash,
		"sent_at": sentAt.Format(time.RFC3339Nano),
	}))
	l.log.Info().Str("trade_id", trade.ID).Str("tx_hash", txHash).Msg("trade submitted")
	return ExecuteResult{
		TradeID: updated.ID,
		Status:  updated.Status,
		Action:  ActionSubmitted,
		TxHash:  txHash,
		SentAt:  updated.SentAt,

		ValueDecimal: nativeValue(trade),
	}, nil
}

func nativeValue(trade Trade) string {
	if trade.TxPayload == nil {
		return ""
	}
	return amount.FormatString(trade.TxPayload.Value, 18)
}

// prepare runs every check that precedes broadcast and returns the signed
// transaction. Failures are recorded as error events.
func (l *Lifecycle) prepare(ctx context.Context, trade Trade) (string, error) {
	if trade.Status != TradeStatusBuilt {
		err := clierr.Newf(clierr.CodeInvalidTradeState, "trade %s is %s, expected %s", trade.ID, trade.Status, TradeStatusBuilt)
		return "", l.fail(ctx, trade.ID, "state", err)
	}
	if !chain.SameAddress(trade.Taker, l.cfg.Custodial.Hex()) {
		err := clierr.Newf(clierr.CodeOwnerMismatch, "trade taker %s is not the custodial address", trade.Taker)
		return "", l.fail(ctx, trade.ID, "owner", err)
	}
	payload := *trade.TxPayload
	if err := payload.Validate(); err != nil {
		return "", l.fail(ctx, trade.ID, "payload", err)
	}
	if !chain.SameAddress(payload.From, l.cfg.Custodial.Hex()) {
		err := clierr.Newf(clierr.CodeFromMismatch, "payload.from %s is not the custodial address", payload.From)
		return "", l.fail(ctx, trade.ID, "owner", err)
	}
	limits := signer.Guardrails{ChainID: l.cfg.ChainID, MaxValueWei: l.cfg.MaxTxValueWei}
	if err := limits.Check(payload, l.cfg.ChainID); err != nil {
		return "", l.fail(ctx, trade.ID, "value", err)
	}

	quote, err := parseQuote(trade.RawQuote)
	if err != nil {
		return "", l.fail(ctx, trade.ID, "quote", err)
	}
	if err := checkFunds(ctx, l.chain, l.cfg.ChainID, l.cfg.Custodial, payload, quote); err != nil {
		return "", l.fail(ctx, trade.ID, "balance", err)
	}

	permitted := false
	if typed := quote.permit(); typed != nil {
		if err := validatePermit(*typed, l.cfg.ChainID, payload.To); err != nil {
			return "", l.reject(ctx, trade, err)
		}
		sig, err := l.signer.SignTypedData(ctx, *typed, l.cfg.ChainID)
		if err != nil {
			return "", l.fail(ctx, trade.ID, "permit", err)
		}
		data, err := payload.CallData()
		if err != nil {
			return "", l.fail(ctx, trade.ID, "permit", err)
		}
		payload.Data = hexutil.Encode(appendPermitSignature(data, sig))
		permitted = true
	}

	signedTx, err := l.signer.SignTransaction(ctx, payload, l.cfg.ChainID)
	if err != nil {
		return "", l.fail(ctx, trade.ID, "sign", err)
	}
	l.appendEvent(ctx, NewTradeEvent(trade.ID, PhaseSign, SeverityInfo, map[string]any{
		"signer":  string(l.signer.Mode()),
		"permit2": permitted,
		"dry_run": l.cfg.DryRun,
	}))
	return signedTx, nil
}

// Poll re-queries the receipt of a submitted trade. It never re-signs.
func (l *Lifecycle) Poll(ctx context.Context, tradeID string, maxWait time.Duration) (PollResult, error) {
	attempts := l.cfg.ReceiptAttempts
	if maxWait > 0 {
		attempts = int(maxWait/l.cfg.ReceiptInterval) + 1
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	return l.poll(ctx, tradeID, attempts)
}

func (l *Lifecycle) poll(ctx context.Context, tradeID string, attempts int) (PollResult, error) {
	trade, err := l.store.Get(ctx, tradeID)
	if err != nil {
		return PollResult{}, err
	}
	switch {
	case trade.Status == TradeStatusBuilt:
		return PollResult{}, clierr.Newf(clierr.CodeInvalidTradeState, "trade %s has not been submitted", trade.ID)
	case trade.Status.Terminal():
		return PollResult{TradeID: trade.ID, Status: trade.Status, TxHash: trade.TxHash}, nil
	}

	receipt, err := l.broadcast.PollReceipt(ctx, trade.TxHash, attempts, l.cfg.ReceiptInterval)
	if err != nil {
		return PollResult{}, err
	}
	out := PollResult{TradeID: trade.ID, Status: trade.Status, TxHash: trade.TxHash, Receipt: &receipt}
	if receipt.Outcome == chain.OutcomeTimeout {
		return out, nil
	}

	next := TradeStatusMined
	severity := SeverityInfo
	if receipt.Outcome == chain.OutcomeFailed {
		next = TradeStatusFailed
		severity = SeverityError
	}
	// Detached from the wait deadline so an observed receipt is always recorded.
	writeCtx := context.WithoutCancel(ctx)
	updated, err := l.store.Transition(writeCtx, trade.ID, TradeStatusSubmitted, TradeUpdate{Status: next})
	if err != nil {
		if clierr.Is(err, clierr.CodeInvalidTradeState) {
			// Resolved concurrently by another poller.
			current, getErr := l.store.Get(writeCtx, trade.ID)
			if getErr != nil {
				return PollResult{}, getErr
			}
			out.Status = current.Status
			return out, nil
		}
		return PollResult{}, err
	}
	l.appendEvent(writeCtx, NewTradeEvent(trade.ID, PhaseReceipt, severity, map[string]any{
		"outcome":      string(receipt.Outcome),
		"tx_hash":      receipt.TxHash,
		"block_number": receipt.BlockNumber,
		"gas_used":     receipt.GasUsed,
	}))
	l.log.Info().Str("trade_id", trade.ID).Str("tx_hash", trade.TxHash).Str("outcome", string(receipt.Outcome)).Msg("trade resolved")
	out.Status = updated.Status
	return out, nil
}

// Reconcile polls every submitted trade once.
func (l *Lifecycle) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	trades, err := l.store.List(ctx, TradeStatusSubmitted, limit)
	if err != nil {
		return ReconcileResult{}, err
	}
	out := ReconcileResult{Trades: make([]PollResult, 0, len(trades))}
	for _, trade := range trades {
		if err := ctx.Err(); err != nil {
			return out, clierr.Wrap(clierr.CodeTimeout, "reconcile interrupted", err)
		}
		out.Checked++
		res, err := l.poll(ctx, trade.ID, 1)
		if err != nil {
			out.Errors++
			l.log.Warn().Err(err).Str("trade_id", trade.ID).Msg("reconcile poll failed")
			continue
		}
		if res.Status.Terminal() {
			out.Resolved++
		} else {
			out.Pending++
		}
		out.Trades = append(out.Trades, res)
	}
	return out, nil
}

// reject records a guard-phase event for a blocked destination.
func (l *Lifecycle) reject(ctx context.Context, trade Trade, err error) error {
	code := clierr.CodeOf(err)
	metrics.GuardRejections.WithLabelValues(string(code)).Inc()
	to := ""
	if trade.TxPayload != nil {
		to = trade.TxPayload.To
	}
	l.log.Warn().Str("trade_id", trade.ID).Str("provider", trade.Provider).Str("to", to).Str("code", string(code)).Msg("destination rejected")
	return l.record(ctx, NewTradeEvent(trade.ID, PhaseGuard, SeverityError, map[string]any{
		"step":     "destination",
		"code":     string(code),
		"message":  err.Error(),
		"provider": trade.Provider,
		"to":       to,
	}), err)
}

// fail records an error-phase event naming the failed step.
func (l *Lifecycle) fail(ctx context.Context, tradeID, step string, err error) error {
	code := clierr.CodeOf(err)
	event := l.log.Warn()
	if code == clierr.CodeUnexpected || code == clierr.CodeSigningFailed || code == clierr.CodeBroadcastFailed || code == clierr.CodeWebhookSigningFailed {
		event = l.log.Error()
	}
	event.Err(err).Str("trade_id", tradeID).Str("step", step).Str("code", string(code)).Msg("trade execution failed")
	return l.record(ctx, NewTradeEvent(tradeID, PhaseError, SeverityError, map[string]any{
		"step":    step,
		"code":    string(code),
		"message": err.Error(),
	}), err)
}

func (l *Lifecycle) record(ctx context.Context, event TradeEvent, cause error) error {
	if appendErr := l.store.AppendEvent(context.WithoutCancel(ctx), event); appendErr != nil {
		l.log.Error().Err(appendErr).Str("trade_id", event.TradeID).Msg("record audit event")
		return fmt.Errorf("%w; record audit event: %v", cause, appendErr)
	}
	return cause
}

func (l *Lifecycle) appendEvent(ctx context.Context, event TradeEvent) {
	if err := l.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		l.log.Error().Err(err).Str("trade_id", event.TradeID).Str("phase", string(event.Phase)).Msg("record audit event")
	}
}

func (l *Lifecycle) release(ctx context.Context, key string) {
	if err := l.guard.Release(context.WithoutCancel(ctx), key); err != nil {
		l.log.Error().Err(err).Str("key", key).Msg("release idempotency key")
	}
}

func (l *Lifecycle) releaseNonce(signedTx string) {
	if releaser, ok := l.signer.(signer.NonceReleaser); ok {
		releaser.ReleaseNonce(signedTx)
	}
}
