package rpc

import (
	"context"

	"beaconchain-indexer/types"

	"github.com/sirupsen/logrus"
)

// Client provides an interface for the explorer api clients
type Client interface {
	GetLatestSlot(ctx context.Context) (uint64, error)
	GetSlotAttestations(ctx context.Context, slot uint64) ([]*types.APIAttestationResponse, error)
}

var logger = logrus.StandardLogger().WithField("module", "rpc")
