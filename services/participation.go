package services

import (
	"context"
	"errors"
	"time"

	"beaconchain-indexer/cache"
	"beaconchain-indexer/db"
	"beaconchain-indexer/metrics"
	"beaconchain-indexer/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger().WithField("module", "services")

const lastParticipationCacheKey = "participation:last"

// ParticipationAggregator calculates the network participation rate over the most recent stored epochs
type ParticipationAggregator struct {
	store  db.SlotStore
	epochs uint64
}

func NewParticipationAggregator(store db.SlotStore) *ParticipationAggregator {
	return &ParticipationAggregator{store: store, epochs: db.ParticipationEpochs}
}

// ComputeParticipationRate returns 1 - missed / (epochs * validators) over the aggregation window.
// It returns types.ErrInsufficientData if the window is empty.
func (pa *ParticipationAggregator) ComputeParticipationRate(ctx context.Context) (float64, error) {
	participation, err := pa.ComputeParticipation(ctx)
	if err != nil {
		return 0, err
	}
	return participation.Rate, nil
}

// ComputeParticipation returns the participation rate together with the sums it was calculated from
func (pa *ParticipationAggregator) ComputeParticipation(ctx context.Context) (*types.ParticipationRate, error) {
	aggregate, err := pa.store.GetEpochAggregate(ctx, pa.epochs)
	if err != nil {
		var storageErr *types.StorageError
		if errors.As(err, &storageErr) {
			return nil, err
		}
		return nil, &types.StorageError{Op: "get epoch aggregate", Err: err}
	}

	if aggregate.EpochCount == 0 || aggregate.ValidatorSetSizeSum == 0 {
		return nil, types.ErrInsufficientData
	}

	// not clamped, the missed attestations may exceed the committee sizes depending on the bitfield decoding
	rate := 1 - float64(aggregate.MissedAttestationsSum)/(float64(aggregate.EpochCount)*float64(aggregate.ValidatorSetSizeSum))

	return &types.ParticipationRate{
		Rate:                  rate,
		Epochs:                aggregate.EpochCount,
		ValidatorSetSizeSum:   aggregate.ValidatorSetSizeSum,
		MissedAttestationsSum: aggregate.MissedAttestationsSum,
	}, nil
}

// ParticipationService serves the participation rate to the http handlers
type ParticipationService struct {
	aggregator  *ParticipationAggregator
	cache       *cache.TieredCache
	readTimeout time.Duration
}

// NewParticipationService creates the service, a nil cache disables LastParticipation
func NewParticipationService(aggregator *ParticipationAggregator, tieredCache *cache.TieredCache, readTimeout time.Duration) *ParticipationService {
	return &ParticipationService{
		aggregator:  aggregator,
		cache:       tieredCache,
		readTimeout: readTimeout,
	}
}

// Participation computes the participation and waits at most readTimeout for the store
func (ps *ParticipationService) Participation(ctx context.Context) (*types.ParticipationRate, error) {
	if ps.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ps.readTimeout)
		defer cancel()
	}

	type result struct {
		participation *types.ParticipationRate
		err           error
	}
	resultChan := make(chan result, 1)
	go func() {
		participation, err := ps.aggregator.ComputeParticipation(ctx)
		resultChan <- result{participation, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &types.StorageError{Op: "get epoch aggregate", Err: ctx.Err()}
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		metrics.ParticipationRate.Set(res.participation.Rate)
		ps.storeLastParticipation(res.participation)
		return res.participation, nil
	}
}

// ParticipationRate never fails: insufficient data and storage failures both yield 0
func (ps *ParticipationService) ParticipationRate(ctx context.Context) float64 {
	participation, err := ps.Participation(ctx)
	if err == nil {
		return participation.Rate
	}

	if errors.Is(err, types.ErrInsufficientData) {
		logger.Debugf("no participation rate available yet: %v", err)
		return 0
	}

	logger.WithError(err).Errorf("error calculating participation rate")
	return 0
}

// LastParticipation returns the last successfully computed participation or nil
func (ps *ParticipationService) LastParticipation() *types.ParticipationRate {
	if ps.cache == nil {
		return nil
	}

	participation := &types.ParticipationRate{}
	found, err := ps.cache.GetWithLocalTimeout(lastParticipationCacheKey, time.Minute, participation)
	if err != nil {
		logger.WithError(err).Warnf("error retrieving last participation rate from cache")
		return nil
	}
	if !found {
		return nil
	}
	return participation
}

func (ps *ParticipationService) storeLastParticipation(participation *types.ParticipationRate) {
	if ps.cache == nil {
		return
	}
	err := ps.cache.Set(lastParticipationCacheKey, participation, time.Hour*24)
	if err != nil {
		logger.WithError(err).Warnf("error caching participation rate")
	}
}

// FormatParticipationRate renders a rate as "Participation Rate: 99.00%"
func FormatParticipationRate(rate float64) string {
	return "Participation Rate: " + decimal.NewFromFloat(rate*100).StringFixed(2) + "%"
}
