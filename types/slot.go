package types

import "time"

// SlotRecord is the participation summary of a single exported slot
type SlotRecord struct {
	SlotNumber         uint64    `db:"slot_number" json:"slot_number"`
	Epoch              uint64    `db:"epoch" json:"epoch"`
	ValidatorSetSize   uint64    `db:"validator_set_size" json:"validator_set_size"`
	MissedAttestations uint64    `db:"missed_attestations" json:"missed_attestations"`
	CreatedTs          time.Time `db:"created_ts" json:"-"`
}

// EpochAggregate holds the sums over the most recent epochs of stored slot records
type EpochAggregate struct {
	ValidatorSetSizeSum   uint64 `db:"validator_set_size" json:"validator_set_size"`
	MissedAttestationsSum uint64 `db:"missed_attestations" json:"missed_attestations"`
	EpochCount            uint64 `db:"epoch_count" json:"epoch_count"`
}

// ParticipationRate is the json representation of the network participation over the aggregation window
type ParticipationRate struct {
	Rate                  float64 `json:"participation_rate"`
	Epochs                uint64  `json:"epochs"`
	ValidatorSetSizeSum   uint64  `json:"validator_set_size"`
	MissedAttestationsSum uint64  `json:"missed_attestations"`
}
