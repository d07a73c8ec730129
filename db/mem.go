package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"beaconchain-indexer/types"
)

// MemStore keeps slot records in memory, it is used for local runs and tests
type MemStore struct {
	mu    sync.RWMutex
	slots map[uint64]types.SlotRecord
}

func NewMemStore() *MemStore {
	return &MemStore{slots: make(map[uint64]types.SlotRecord)}
}

func (m *MemStore) GetLatestSlot(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := uint64(0)
	for slot := range m.slots {
		if slot > latest {
			latest = slot
		}
	}
	return latest, nil
}

func (m *MemStore) SaveSlot(ctx context.Context, record *types.SlotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slots[record.SlotNumber]; exists {
		return nil
	}
	stored := *record
	stored.CreatedTs = time.Now()
	m.slots[record.SlotNumber] = stored
	return nil
}

func (m *MemStore) GetEpochAggregate(ctx context.Context, epochs uint64) (*types.EpochAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	aggregate := &types.EpochAggregate{}
	if len(m.slots) == 0 {
		return aggregate, nil
	}

	maxEpoch := uint64(0)
	for _, record := range m.slots {
		if record.Epoch > maxEpoch {
			maxEpoch = record.Epoch
		}
	}

	distinctEpochs := make(map[uint64]bool)
	for _, record := range m.slots {
		// epoch > maxEpoch - epochs without underflowing
		if record.Epoch+epochs <= maxEpoch {
			continue
		}
		aggregate.ValidatorSetSizeSum += record.ValidatorSetSize
		aggregate.MissedAttestationsSum += record.MissedAttestations
		distinctEpochs[record.Epoch] = true
	}
	aggregate.EpochCount = uint64(len(distinctEpochs))

	return aggregate, nil
}

// Slots returns the stored records ordered by slot number
func (m *MemStore) Slots() []types.SlotRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]types.SlotRecord, 0, len(m.slots))
	for _, record := range m.slots {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SlotNumber < records[j].SlotNumber
	})
	return records
}
