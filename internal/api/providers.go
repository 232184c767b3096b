package api

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github/chapool/go-relay/internal/chain"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay"
	"github/chapool/go-relay/internal/relay/broadcast"
	"github/chapool/go-relay/internal/relay/gasprice"
	"github/chapool/go-relay/internal/relay/nonce"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/relay/watcher"
)

// PROVIDERS - https://github.com/google/wire/blob/main/docs/guide.md#defining-providers

// ChainID is the chain every record of this relay is signed for.
type ChainID uint64

// NoTest is used by InitNewServer to satisfy the optional testing.T parameter of providers.
func NoTest() []*testing.T {
	return nil
}

// NewClock returns the real clock, or a mock clock starting now when used from a test.
func NewClock(t ...*testing.T) time2.Clock {
	var clock time2.Clock

	useMock := len(t) > 0 && t[0] != nil

	if !useMock {
		clock = time2.DefaultClock
	} else {
		clock = time2.NewMockClock(time.Now())
	}

	return clock
}

func NewDB(cfg config.Server, m *metrics.Service) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}

	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Management.ReadinessTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := m.Registry.Register(sqlstats.NewStatsCollector(cfg.Database.Database, db)); err != nil {
		log.Warn().Err(err).Msg("Failed to register database stats collector")
	}

	return db, nil
}

func NewNode(cfg config.Server, clock time2.Clock, m *metrics.Service) (Node, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Management.ReadinessTimeout)
	defer cancel()

	client, err := chain.NewClient(ctx, cfg.Chain, clock, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chain client")
	}

	return client, nil
}

// NewChainID prefers the configured chain ID and asks the node otherwise. A configured
// ID that differs from the node's is a fatal misconfiguration.
func NewChainID(cfg config.Server, node Node) (ChainID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Management.ReadinessTimeout)
	defer cancel()

	remote, err := node.ChainID(ctx)
	if err != nil {
		if cfg.Chain.ChainID != 0 {
			log.Warn().Err(err).Uint64("chain_id", cfg.Chain.ChainID).Msg("Failed to verify chain ID, using configured value")
			return ChainID(cfg.Chain.ChainID), nil
		}

		return 0, errors.Wrap(err, "failed to read chain ID")
	}

	if cfg.Chain.ChainID != 0 && remote.Uint64() != cfg.Chain.ChainID {
		return 0, errors.Errorf("node serves chain %s, configured chain is %d", remote, cfg.Chain.ChainID)
	}

	return ChainID(remote.Uint64()), nil
}

func NewStore(db *sql.DB) store.Store {
	return store.NewPostgres(db)
}

func NewKeyRegistry(db *sql.DB) custody.Registry {
	return custody.NewPostgresRegistry(db)
}

func NewSeedManager() *custody.SeedManager {
	return custody.NewSeedManager()
}

func NewSigner(seeds *custody.SeedManager, registry custody.Registry, clock time2.Clock) *custody.Signer {
	return custody.NewSigner(seeds, registry, clock)
}

// NewGasCache shares last known good prices through redis when an address is
// configured and keeps them in process memory otherwise.
func NewGasCache(cfg config.Server) (gasprice.Cache, error) {
	if cfg.Redis.Addr == "" {
		return gasprice.NewMemoryCache(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Management.ReadinessTimeout)
	defer cancel()

	cache, err := gasprice.NewRedisCache(ctx, cfg.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return cache, nil
}

func NewPriceSource(cfg config.Server, node Node, cache gasprice.Cache, clock time2.Clock, m *metrics.Service) (*gasprice.Source, error) {
	return gasprice.NewSource(node, cache, cfg.GasPrice, clock, m)
}

func NewAllocator(node Node, st store.Store, chainID ChainID) *nonce.Allocator {
	return nonce.NewAllocator(node, st, uint64(chainID))
}

func NewBroadcaster(cfg config.Server, node Node, m *metrics.Service) *broadcast.Broadcaster {
	return broadcast.New(node, cfg.Chain, m)
}

func NewRelay(
	cfg config.Server,
	chainID ChainID,
	st store.Store,
	nonces *nonce.Allocator,
	prices *gasprice.Source,
	keys *custody.Signer,
	broadcaster *broadcast.Broadcaster,
	node Node,
	clock time2.Clock,
	m *metrics.Service,
) (*relay.Manager, error) {
	return relay.New(cfg.Relay, uint64(chainID), st, nonces, prices, keys, broadcaster, node, clock, m)
}

func NewWatcher(cfg config.Server, node Node, manager *relay.Manager, m *metrics.Service) *watcher.Watcher {
	return watcher.New(node, manager, cfg.Relay, m)
}

func NewPurger(cfg config.Server, st store.Store, clock time2.Clock, m *metrics.Service) *relay.Purger {
	return relay.NewPurger(st, cfg.Relay.Retention, clock, m)
}
