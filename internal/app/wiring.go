package app

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/ggonzalez94/defi-custody/internal/chain"
	"github.com/ggonzalez94/defi-custody/internal/config"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution"
	"github.com/ggonzalez94/defi-custody/internal/execution/signer"
	"github.com/ggonzalez94/defi-custody/internal/idempotency"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/registry"
	"github.com/ggonzalez94/defi-custody/internal/store/postgres"
)

// dependencies are opened lazily so read-only commands never dial the chain
// or touch signer material.
type dependencies struct {
	store     execution.TradeStore
	client    *chain.Client
	signer    signer.Signer
	guard     idempotency.Guard
	lifecycle *execution.Lifecycle
	closers   []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func (s *runtimeState) tradeStore(ctx context.Context) (execution.TradeStore, error) {
	if s.deps.store != nil {
		return s.deps.store, nil
	}
	store, err := openTradeStore(ctx, s.settings)
	if err != nil {
		return nil, err
	}
	s.deps.store = store
	s.deps.closers = append(s.deps.closers, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close trade store")
		}
	})
	return store, nil
}

func openTradeStore(ctx context.Context, settings config.Settings) (execution.TradeStore, error) {
	switch settings.StoreDriver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, postgres.ClientConfig{DSN: settings.PostgresDSN})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "open postgres trade store", err)
		}
		return store, nil
	default:
		store, err := execution.OpenStore(settings.StorePath, settings.StoreLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "open sqlite trade store", err)
		}
		return store, nil
	}
}

func (s *runtimeState) chainClient(ctx context.Context) (*chain.Client, error) {
	if s.deps.client != nil {
		return s.deps.client, nil
	}
	rpcURL, err := registry.ResolveRPCURL(s.settings.RPCURL, s.settings.ChainID)
	if err != nil {
		return nil, err
	}
	client, err := chain.Dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	s.deps.closers = append(s.deps.closers, client.Close)

	dialCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	remote, err := client.ChainID(dialCtx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read rpc chain id", err)
	}
	if remote.Cmp(big.NewInt(s.settings.ChainID)) != 0 {
		return nil, clierr.Newf(clierr.CodeConfigInvalid, "rpc endpoint serves chain %s, configured chain is %d", remote, s.settings.ChainID)
	}
	s.deps.client = client
	return client, nil
}

func (s *runtimeState) newSigner(client *chain.Client) (signer.Signer, error) {
	guardrails := signer.Guardrails{ChainID: s.settings.ChainID, MaxValueWei: s.settings.MaxTxValue()}
	switch s.settings.SignerMode {
	case config.SignerLocal:
		return signer.NewLocalSigner(signer.LocalSignerConfig{
			PrivateKeyHex:        s.settings.PrivateKey,
			PrivateKeyFile:       s.settings.PrivateKeyFile,
			KeystorePath:         s.settings.KeystorePath,
			KeystorePassword:     s.settings.KeystorePassword,
			KeystorePasswordFile: s.settings.KeystorePasswordFile,
			ExpectedAddress:      s.settings.CustodialAddress,
			Guardrails:           guardrails,
		}, client, chain.NewFeeEstimator(client))
	default:
		return signer.NewWebhookSigner(signer.WebhookSignerConfig{
			URL:        s.settings.WebhookURL,
			Token:      s.settings.WebhookToken,
			Address:    s.settings.CustodialAddress,
			Guardrails: guardrails,
			Timeout:    s.settings.WebhookTimeout,
		})
	}
}

func (s *runtimeState) idempotencyGuard(ctx context.Context) (idempotency.Guard, error) {
	if s.settings.IdempotencyBackend != config.BackendRedis {
		return idempotency.NewMemory(s.settings.IdempotencyTTL), nil
	}
	guard, err := idempotency.NewRedis(ctx, idempotency.RedisConfig{
		Addr:       s.settings.RedisAddr,
		Password:   s.settings.RedisPassword,
		DB:         s.settings.RedisDB,
		TLSEnabled: s.settings.RedisTLS,
		Prefix:     s.settings.RedisPrefix,
		TTL:        s.settings.IdempotencyTTL,
	})
	if err != nil {
		return nil, err
	}
	s.deps.closers = append(s.deps.closers, func() { _ = guard.Close() })
	return guard, nil
}

// lifecycleFor wires store, chain, signer and guard. Settings must already
// have passed Validate.
func (s *runtimeState) lifecycleFor(ctx context.Context) (*execution.Lifecycle, error) {
	if s.deps.lifecycle != nil {
		return s.deps.lifecycle, nil
	}
	store, err := s.tradeStore(ctx)
	if err != nil {
		return nil, err
	}
	client, err := s.chainClient(ctx)
	if err != nil {
		return nil, err
	}
	sgn, err := s.newSigner(client)
	if err != nil {
		return nil, err
	}
	guard, err := s.idempotencyGuard(ctx)
	if err != nil {
		return nil, err
	}

	lc, err := execution.NewLifecycle(execution.Config{
		ChainID:         s.settings.ChainID,
		Custodial:       common.HexToAddress(strings.TrimSpace(s.settings.CustodialAddress)),
		DryRun:          s.settings.DryRun,
		MaxAutoWrapWei:  s.settings.MaxAutoWrap(),
		MaxTxValueWei:   s.settings.MaxTxValue(),
		QuoteProviders:  s.settings.QuoteProviders,
		ReceiptInterval: s.settings.ReceiptInterval,
		ReceiptAttempts: s.settings.ReceiptAttempts,
	}, execution.Deps{
		Store:       store,
		Signer:      sgn,
		Chain:       client,
		Broadcaster: chain.NewBroadcaster(client),
		Guard:       guard,
	})
	if err != nil {
		return nil, err
	}

	logger := logging.Component("app")
	logger.Info().
		Int64("chain_id", s.settings.ChainID).
		Str("custodial", sgn.Address().Hex()).
		Str("signer", string(sgn.Mode())).
		Str("idempotency", s.settings.IdempotencyBackend).
		Str("store", s.settings.StoreDriver).
		Bool("dry_run", s.settings.DryRun).
		Msg("custody lifecycle ready")

	s.deps.signer = sgn
	s.deps.guard = guard
	s.deps.lifecycle = lc
	return lc, nil
}
