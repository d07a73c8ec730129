package types

import (
	"encoding/json"
)

type ApiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

// ApiRawResponse is the envelope of a beaconcha.in api response with the data left undecoded
type ApiRawResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// APISlotResponse is the subset of the slot endpoint the indexer relies on
type APISlotResponse struct {
	Attestationscount uint64  `json:"attestationscount"`
	Blockroot         string  `json:"blockroot"`
	Epoch             uint64  `json:"epoch"`
	Proposer          uint64  `json:"proposer"`
	Slot              *uint64 `json:"slot"`
	Status            string  `json:"status"`
}

type APIAttestationResponse struct {
	Aggregationbits *string  `json:"aggregationbits"`
	Beaconblockroot string   `json:"beaconblockroot"`
	BlockIndex      int64    `json:"block_index"`
	BlockRoot       string   `json:"block_root"`
	BlockSlot       int64    `json:"block_slot"`
	Committeeindex  int64    `json:"committeeindex"`
	Signature       string   `json:"signature"`
	Slot            int64    `json:"slot"`
	SourceEpoch     int64    `json:"source_epoch"`
	SourceRoot      string   `json:"source_root"`
	TargetEpoch     *uint64  `json:"target_epoch"`
	TargetRoot      string   `json:"target_root"`
	Validators      []uint64 `json:"validators"`
}
