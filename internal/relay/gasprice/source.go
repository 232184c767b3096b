package gasprice

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// Oracle is the node surface used to estimate prices.
type Oracle interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type snapshot struct {
	prices    map[txn.Speed]*big.Int
	fetchedAt time.Time
}

// Source resolves a gas price per speed tier. Fresh estimates are cached for CacheTTL,
// when the node cannot be asked it serves the last known good price and finally the
// configured static prices. It never fails a lookup for a valid speed.
type Source struct {
	oracle  Oracle
	cache   Cache
	cfg     config.GasPrice
	clock   time2.Clock
	metrics *metrics.Service

	mu        sync.Mutex
	snapshots map[uint64]*snapshot
}

func NewSource(oracle Oracle, cache Cache, cfg config.GasPrice, clock time2.Clock, m *metrics.Service) (*Source, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(oracle, "oracle"),
		vala.IsNotNil(cache, "cache"),
		vala.IsNotNil(clock, "clock"),
	).Check(); err != nil {
		return nil, err
	}

	return &Source{
		oracle:    oracle,
		cache:     cache,
		cfg:       cfg,
		clock:     clock,
		metrics:   m,
		snapshots: make(map[uint64]*snapshot),
	}, nil
}

// PriceFor returns the current price in wei for speed on chainID.
func (s *Source) PriceFor(ctx context.Context, speed txn.Speed, chainID uint64) (*big.Int, error) {
	if !speed.Valid() {
		return nil, txn.Invalid("unknown speed %q", speed)
	}

	log := util.LogFromContext(ctx).With().Str("speed", string(speed)).Uint64("chain_id", chainID).Logger()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	snap, ok := s.snapshots[chainID]
	if ok && now.Sub(snap.fetchedAt) < s.cfg.CacheTTL {
		return new(big.Int).Set(snap.prices[speed]), nil
	}

	prices, err := s.fetch(ctx)
	if err == nil {
		s.snapshots[chainID] = &snapshot{prices: prices, fetchedAt: now}
		for sp, price := range prices {
			if cerr := s.cache.Set(ctx, chainID, sp, price); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to store last known good gas price")
			}
		}

		return new(big.Int).Set(prices[speed]), nil
	}

	log.Warn().Err(err).Msg("Gas price oracle unavailable, using fallback")

	if ok {
		s.fallback("memory")
		return new(big.Int).Set(snap.prices[speed]), nil
	}

	cached, cerr := s.cache.Get(ctx, chainID, speed)
	if cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to read last known good gas price")
	}
	if cached != nil {
		s.fallback("cache")
		return cached, nil
	}

	s.fallback("static")
	static, ok := s.cfg.FallbackPrices[string(speed)]
	if !ok || static == nil {
		return s.floor(nil), nil
	}

	return s.floor(new(big.Int).Set(static)), nil
}

func (s *Source) fallback(source string) {
	if s.metrics != nil {
		s.metrics.OracleFallbacks.WithLabelValues(source).Inc()
	}
}

func (s *Source) fetch(ctx context.Context) (map[txn.Speed]*big.Int, error) {
	prices, err := s.fromFeeHistory(ctx)
	if err != nil {
		util.LogFromContext(ctx).Debug().Err(err).Msg("Fee history unavailable, falling back to eth_gasPrice")

		prices, err = s.fromSuggestedPrice(ctx)
		if err != nil {
			return nil, err
		}
	}

	for sp, price := range prices {
		prices[sp] = s.floor(price)
	}

	return prices, nil
}

// fromFeeHistory prices each speed as the next block's base fee plus the median
// priority fee paid at the speed's percentile over the sampled blocks.
func (s *Source) fromFeeHistory(ctx context.Context) (map[txn.Speed]*big.Int, error) {
	percentiles, index := s.percentiles()

	blocks := s.cfg.SampleBlocks
	if blocks == 0 {
		blocks = 20
	}

	history, err := s.oracle.FeeHistory(ctx, blocks, nil, percentiles)
	if err != nil {
		return nil, errors.Wrap(err, "fee history")
	}

	if len(history.BaseFee) == 0 || len(history.Reward) == 0 {
		return nil, errors.New("fee history carries no rewards")
	}

	nextBaseFee := history.BaseFee[len(history.BaseFee)-1]
	if nextBaseFee == nil {
		return nil, errors.New("fee history carries no base fee")
	}

	prices := make(map[txn.Speed]*big.Int, len(txn.Speeds))
	for _, sp := range txn.Speeds {
		column := make([]*big.Int, 0, len(history.Reward))
		for _, rewards := range history.Reward {
			if idx := index[sp]; idx < len(rewards) && rewards[idx] != nil {
				column = append(column, rewards[idx])
			}
		}
		if len(column) == 0 {
			return nil, errors.Errorf("fee history has no reward for %s", sp)
		}

		prices[sp] = new(big.Int).Add(nextBaseFee, median(column))
	}

	return prices, nil
}

func (s *Source) fromSuggestedPrice(ctx context.Context) (map[txn.Speed]*big.Int, error) {
	suggested, err := s.oracle.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "suggest gas price")
	}

	prices := make(map[txn.Speed]*big.Int, len(txn.Speeds))
	for _, sp := range txn.Speeds {
		mult, ok := s.cfg.Multipliers[string(sp)]
		if !ok || mult <= 0 {
			mult = 1
		}

		price, _ := new(big.Float).Mul(new(big.Float).SetInt(suggested), big.NewFloat(mult)).Int(nil)
		prices[sp] = price
	}

	return prices, nil
}

// percentiles returns the strictly increasing reward percentiles to request and the
// position of each speed within them.
func (s *Source) percentiles() ([]float64, map[txn.Speed]int) {
	defaults := map[txn.Speed]float64{
		txn.SpeedSafeLow: 10,
		txn.SpeedAverage: 50,
		txn.SpeedFast:    75,
		txn.SpeedFastest: 95,
	}

	bySpeed := make(map[txn.Speed]float64, len(txn.Speeds))
	unique := make(map[float64]struct{})
	for _, sp := range txn.Speeds {
		p, ok := s.cfg.Percentiles[string(sp)]
		if !ok || p < 0 || p > 100 {
			p = defaults[sp]
		}
		bySpeed[sp] = p
		unique[p] = struct{}{}
	}

	percentiles := make([]float64, 0, len(unique))
	for p := range unique {
		percentiles = append(percentiles, p)
	}
	sort.Float64s(percentiles)

	index := make(map[txn.Speed]int, len(bySpeed))
	for sp, p := range bySpeed {
		index[sp] = sort.SearchFloat64s(percentiles, p)
	}

	return percentiles, index
}

func (s *Source) floor(price *big.Int) *big.Int {
	if s.cfg.MinGasPrice == nil {
		if price == nil {
			return new(big.Int)
		}
		return price
	}

	if price == nil || price.Cmp(s.cfg.MinGasPrice) < 0 {
		return new(big.Int).Set(s.cfg.MinGasPrice)
	}

	return price
}

func median(values []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}

	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Rsh(sum, 1)
}
