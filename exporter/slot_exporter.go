package exporter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"beaconchain-indexer/db"
	"beaconchain-indexer/hexutil"
	"beaconchain-indexer/metrics"
	"beaconchain-indexer/rpc"
	"beaconchain-indexer/types"
	"beaconchain-indexer/utils"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// ErrCycleRunning is returned by RunCycle if another cycle has not finished yet
var ErrCycleRunning = errors.New("export cycle is already running")

// Config holds the settings of the slot exporter. Zero values disable the
// respective limit: no delay between slots, no per-request timeout, unlimited
// slots per cycle and no quarantine.
type Config struct {
	PollInterval     time.Duration
	RequestDelay     time.Duration
	FetchTimeout     time.Duration
	MaxSlotAttempts  int
	MaxSlotsPerCycle uint64
	BitfieldDecoding string
}

// CycleResult summarizes a single export cycle
type CycleResult struct {
	LastStoredSlot  uint64
	LatestChainSlot uint64
	Idle            bool
	Exported        []uint64
	Failed          []uint64
	Quarantined     []uint64
}

type bitfieldDecoder func(aggregationBits string, committeeSize int) (uint64, error)

func decoderFor(name string) (bitfieldDecoder, error) {
	switch name {
	case "", "bigint":
		return func(aggregationBits string, _ int) (uint64, error) {
			return hexutil.MissedAttestations(aggregationBits)
		}, nil
	case "bitlist":
		return func(aggregationBits string, committeeSize int) (uint64, error) {
			missed, err := hexutil.MissedAttestationsFixedWidth(aggregationBits, committeeSize)
			if err != nil {
				return 0, err
			}
			// the record only accounts for listed validators
			if committeeSize == 0 {
				return 0, nil
			}
			return missed, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown bitfield decoding %q", name)
	}
}

// SlotExporter copies the participation data of new chain slots from the explorer api into the slot store
type SlotExporter struct {
	client rpc.Client
	store  db.SlotStore
	decode bitfieldDecoder
	cfg    Config

	cycleRunning uint32

	// If exporting a slot fails for MaxSlotAttempts consecutive times the slot is quarantined
	// and not retried anymore by this process
	mu               sync.Mutex
	slotAttempts     map[uint64]int
	quarantinedSlots map[uint64]bool

	// records that were fetched and decoded but could not be stored
	unsavedRecords *lru.Cache
}

func NewSlotExporter(client rpc.Client, store db.SlotStore, cfg Config) (*SlotExporter, error) {
	decode, err := decoderFor(cfg.BitfieldDecoding)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second * 10
	}

	unsavedRecords, err := lru.New(128) // cache at most 128 slots
	if err != nil {
		return nil, err
	}

	return &SlotExporter{
		client:           client,
		store:            store,
		decode:           decode,
		cfg:              cfg,
		slotAttempts:     make(map[uint64]int),
		quarantinedSlots: make(map[uint64]bool),
		unsavedRecords:   unsavedRecords,
	}, nil
}

// RunCycle exports all slots between the last stored slot and the latest chain slot.
// Slots that failed in previous cycles are retried first. An empty store only
// receives the latest chain slot.
func (se *SlotExporter) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !atomic.CompareAndSwapUint32(&se.cycleRunning, 0, 1) {
		metrics.ExporterCyclesSkipped.Inc()
		return nil, ErrCycleRunning
	}
	defer atomic.StoreUint32(&se.cycleRunning, 0)

	start := time.Now()
	defer func() {
		metrics.ExporterCycleDuration.Observe(time.Since(start).Seconds())
	}()

	lastStoredSlot, err := se.store.GetLatestSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("error retrieving last stored slot: %w", err)
	}
	metrics.ExporterLatestSlot.WithLabelValues("db").Set(float64(lastStoredSlot))

	latestChainSlot, err := se.latestChainSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("error retrieving latest chain slot: %w", err)
	}
	metrics.ExporterLatestSlot.WithLabelValues("chain").Set(float64(latestChainSlot))

	result := &CycleResult{
		LastStoredSlot:  lastStoredSlot,
		LatestChainSlot: latestChainSlot,
	}

	slots := se.slotsToExport(lastStoredSlot, latestChainSlot)
	if len(slots) == 0 {
		result.Idle = true
		return result, nil
	}

	logger.WithFields(logrus.Fields{
		"lastStoredSlot":  lastStoredSlot,
		"latestChainSlot": latestChainSlot,
		"slots":           len(slots),
	}).Infof("exporting slots")

	for i, slot := range slots {
		if i > 0 && se.cfg.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(se.cfg.RequestDelay):
			}
		}

		err := se.exportSlot(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if se.slotFailed(slot, err) {
				result.Quarantined = append(result.Quarantined, slot)
			} else {
				result.Failed = append(result.Failed, slot)
			}
			continue
		}

		se.slotExported(slot)
		result.Exported = append(result.Exported, slot)
	}

	logger.WithFields(logrus.Fields{
		"exported":    len(result.Exported),
		"failed":      len(result.Failed),
		"quarantined": len(result.Quarantined),
		"duration":    time.Since(start),
	}).Infof("export cycle completed")

	return result, nil
}

func (se *SlotExporter) latestChainSlot(ctx context.Context) (uint64, error) {
	fetchCtx, cancel := se.fetchContext(ctx)
	defer cancel()
	return se.client.GetLatestSlot(fetchCtx)
}

func (se *SlotExporter) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if se.cfg.FetchTimeout > 0 {
		return context.WithTimeout(ctx, se.cfg.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

// slotsToExport returns the pending retries in ascending order followed by the new slot range,
// bounded by MaxSlotsPerCycle
func (se *SlotExporter) slotsToExport(lastStoredSlot, latestChainSlot uint64) []uint64 {
	se.mu.Lock()
	defer se.mu.Unlock()

	retries := make([]uint64, 0, len(se.slotAttempts))
	for slot := range se.slotAttempts {
		retries = append(retries, slot)
	}
	sort.Slice(retries, func(i, j int) bool { return retries[i] < retries[j] })

	limit := se.cfg.MaxSlotsPerCycle
	full := func(slots []uint64) bool {
		return limit > 0 && uint64(len(slots)) >= limit
	}

	slots := make([]uint64, 0)
	for _, slot := range retries {
		if full(slots) {
			return slots
		}
		slots = append(slots, slot)
	}

	if latestChainSlot <= lastStoredSlot {
		return slots
	}

	startSlot := lastStoredSlot + 1
	if lastStoredSlot == 0 {
		// no backfill for an empty store
		startSlot = latestChainSlot
	}

	for slot := startSlot; slot <= latestChainSlot; slot++ {
		if full(slots) {
			break
		}
		if _, pending := se.slotAttempts[slot]; pending || se.quarantinedSlots[slot] {
			continue
		}
		slots = append(slots, slot)
	}

	return slots
}

// exportSlot fetches, decodes and stores a slot. A slot that only failed at the
// storage step is stored from its cached record without fetching it again.
func (se *SlotExporter) exportSlot(ctx context.Context, slot uint64) error {
	var record *types.SlotRecord
	if cached, found := se.unsavedRecords.Get(slot); found {
		logger.Debugf("storing cached record of slot %v", slot)
		record = cached.(*types.SlotRecord)
	} else {
		fetchCtx, cancel := se.fetchContext(ctx)
		attestations, err := se.client.GetSlotAttestations(fetchCtx, slot)
		cancel()
		if err != nil {
			return err
		}

		record, err = se.buildSlotRecord(slot, attestations)
		if err != nil {
			return err
		}
	}

	err := se.store.SaveSlot(ctx, record)
	if err != nil {
		se.unsavedRecords.Add(slot, record)
		return err
	}
	se.unsavedRecords.Remove(slot)

	logger.WithFields(logrus.Fields{
		"slot":               record.SlotNumber,
		"epoch":              record.Epoch,
		"validatorSetSize":   record.ValidatorSetSize,
		"missedAttestations": record.MissedAttestations,
	}).Debugf("exported slot")

	return nil
}

// buildSlotRecord sums the committee sizes and missed attestations of all attestations of a slot.
// The epoch of the record is the highest target epoch, a slot without attestations uses its own epoch.
func (se *SlotExporter) buildSlotRecord(slot uint64, attestations []*types.APIAttestationResponse) (*types.SlotRecord, error) {
	record := &types.SlotRecord{SlotNumber: slot}

	if len(attestations) == 0 {
		record.Epoch = utils.EpochOfSlot(slot)
		return record, nil
	}

	for i, attestation := range attestations {
		committeeSize := len(attestation.Validators)

		missed, err := se.decode(*attestation.Aggregationbits, committeeSize)
		if err != nil {
			return nil, fmt.Errorf("error decoding attestation %v of slot %v: %w", i, slot, err)
		}

		record.ValidatorSetSize += uint64(committeeSize)
		record.MissedAttestations += missed
		if *attestation.TargetEpoch > record.Epoch {
			record.Epoch = *attestation.TargetEpoch
		}
	}

	return record, nil
}

// slotFailed records a failed attempt and reports whether the slot got quarantined
func (se *SlotExporter) slotFailed(slot uint64, err error) bool {
	reason := "storage"
	var decodeErr *types.DecodeError
	var fetchErr *types.FetchError
	if errors.As(err, &decodeErr) {
		reason = "decode"
	} else if errors.As(err, &fetchErr) {
		reason = "fetch"
	}
	metrics.ExporterSlotErrors.WithLabelValues(reason).Inc()

	se.mu.Lock()
	se.slotAttempts[slot]++
	attempts := se.slotAttempts[slot]
	quarantined := se.cfg.MaxSlotAttempts > 0 && attempts >= se.cfg.MaxSlotAttempts
	if quarantined {
		delete(se.slotAttempts, slot)
		se.quarantinedSlots[slot] = true
	}
	se.mu.Unlock()

	if quarantined {
		se.unsavedRecords.Remove(slot)
	}

	fields := map[string]interface{}{"slot": slot, "attempts": attempts, "reason": reason}
	if quarantined {
		metrics.ExporterSlotsQuarantined.Inc()
		utils.LogError(err, "quarantining slot after reaching the maximum number of export attempts", 0, fields)
		return true
	}

	logger.WithFields(fields).WithError(err).Warnf("error exporting slot, retrying next cycle")
	return false
}

func (se *SlotExporter) slotExported(slot uint64) {
	metrics.ExporterSlotsExported.Inc()

	se.mu.Lock()
	delete(se.slotAttempts, slot)
	se.mu.Unlock()
}

// PendingSlots returns the slots waiting for a retry in ascending order
func (se *SlotExporter) PendingSlots() []uint64 {
	se.mu.Lock()
	defer se.mu.Unlock()

	slots := make([]uint64, 0, len(se.slotAttempts))
	for slot := range se.slotAttempts {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}
