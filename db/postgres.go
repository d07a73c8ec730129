package db

import (
	"context"

	"beaconchain-indexer/types"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresStore stores slot records in the slots table.
// Writes go to the writer database, the participation aggregate is read from the reader.
type PostgresStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewPostgresStore(writer, reader *sqlx.DB) *PostgresStore {
	if reader == nil {
		reader = writer
	}
	return &PostgresStore{writer: writer, reader: reader}
}

func (s *PostgresStore) GetLatestSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := s.writer.GetContext(ctx, &slot, "SELECT COALESCE(MAX(slot_number), 0) FROM slots")
	if err != nil {
		return 0, &types.StorageError{Op: "get latest slot", Err: err}
	}
	return slot, nil
}

func (s *PostgresStore) SaveSlot(ctx context.Context, record *types.SlotRecord) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO slots (slot_number, epoch, validator_set_size, missed_attestations)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slot_number) DO NOTHING`,
		record.SlotNumber, record.Epoch, record.ValidatorSetSize, record.MissedAttestations)
	if err != nil {
		return &types.StorageError{Op: "save slot", Err: errors.Wrapf(err, "slot %d", record.SlotNumber)}
	}
	return nil
}

func (s *PostgresStore) GetEpochAggregate(ctx context.Context, epochs uint64) (*types.EpochAggregate, error) {
	aggregate := &types.EpochAggregate{}
	err := s.reader.GetContext(ctx, aggregate, `
		SELECT
			COALESCE(SUM(validator_set_size), 0)::BIGINT AS validator_set_size,
			COALESCE(SUM(missed_attestations), 0)::BIGINT AS missed_attestations,
			COUNT(DISTINCT epoch)::BIGINT AS epoch_count
		FROM slots
		WHERE epoch > (SELECT MAX(epoch) FROM slots) - $1`, epochs)
	if err != nil {
		return nil, &types.StorageError{Op: "get epoch aggregate", Err: err}
	}
	return aggregate, nil
}

func (s *PostgresStore) ReportStatus(ctx context.Context, status *ServiceStatus) error {
	var metadata interface{}
	if len(status.Metadata) > 0 {
		metadata = string(status.Metadata)
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO service_status (name, executable_name, version, pid, status, metadata, last_update) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (name, executable_name, version, pid) DO UPDATE SET
		status = excluded.status,
		metadata = excluded.metadata,
		last_update = excluded.last_update`,
		status.Name, status.ExecutableName, status.Version, status.Pid, status.Status, metadata)
	if err != nil {
		return &types.StorageError{Op: "report status", Err: err}
	}
	return nil
}
