package db

import (
	"context"

	"beaconchain-indexer/types"
)

// ParticipationEpochs is the number of most recent epochs the participation rate is calculated over
const ParticipationEpochs = 5

// SlotStore persists the exported slot records
type SlotStore interface {
	// GetLatestSlot returns the highest stored slot number or 0 if the store is empty
	GetLatestSlot(ctx context.Context) (uint64, error)
	// SaveSlot inserts a slot record, a slot that is already stored is left untouched
	SaveSlot(ctx context.Context, record *types.SlotRecord) error
	// GetEpochAggregate sums the slot records of the last epochs epochs present in the store
	GetEpochAggregate(ctx context.Context, epochs uint64) (*types.EpochAggregate, error)
}

// StatusReporter is implemented by stores that can record service heartbeats
type StatusReporter interface {
	ReportStatus(ctx context.Context, status *ServiceStatus) error
}

type ServiceStatus struct {
	Name           string
	ExecutableName string
	Version        string
	Pid            int
	Status         string
	Metadata       []byte
}

var (
	_ SlotStore      = (*PostgresStore)(nil)
	_ SlotStore      = (*MemStore)(nil)
	_ StatusReporter = (*PostgresStore)(nil)
)
