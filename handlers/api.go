package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"beaconchain-indexer/db"
	"beaconchain-indexer/services"
	"beaconchain-indexer/types"

	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger().WithField("module", "handlers")

var participationService *services.ParticipationService
var slotStore db.SlotStore

// Init sets the service and store the handlers read from
func Init(service *services.ParticipationService, store db.SlotStore) {
	participationService = service
	slotStore = store
}

// ApiHealthz godoc
// @Summary Health of the indexer
// @Tags Health
// @Description Health endpoint for monitoring if the indexer has exported any slots
// @Produce  text/plain
// @Success 200 {object} string
// @Router /api/healthz [get]
func ApiHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	lastSlot, err := slotStore.GetLatestSlot(r.Context())
	if err != nil {
		logger.WithError(err).Error("error retrieving latest slot for health check")
		http.Error(w, "Internal server error: could not retrieve latest slot from the db", http.StatusServiceUnavailable)
		return
	}

	if lastSlot == 0 {
		http.Error(w, "Internal server error: no slots exported yet", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "OK. Last exported slot is %v", lastSlot)
}

// ApiNetworkParticipation godoc
// @Summary Get the network participation rate of the last 5 epochs
// @Tags Network
// @Produce  json
// @Success 200 {object} types.ApiResponse{data=types.ParticipationRate}
// @Failure 503 {object} types.ApiResponse
// @Router /api/v1/network/participation [get]
func ApiNetworkParticipation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	j := json.NewEncoder(w)

	participation, err := participationService.Participation(r.Context())
	if errors.Is(err, types.ErrInsufficientData) {
		sendErrorResponse(j, r.URL.String(), "no participation data available yet", nil)
		return
	}
	if err != nil {
		logger.WithError(err).Error("error calculating participation rate")
		w.WriteHeader(http.StatusServiceUnavailable)
		// the last computed participation, if any, is attached for clients that accept stale data
		var last interface{}
		if participation := participationService.LastParticipation(); participation != nil {
			last = participation
		}
		sendErrorResponse(j, r.URL.String(), "could not calculate participation rate", last)
		return
	}

	sendOKResponse(j, r.URL.String(), []interface{}{participation})
}

func sendErrorResponse(j *json.Encoder, route, message string, data interface{}) {
	response := &types.ApiResponse{}
	response.Status = "ERROR: " + message
	response.Data = data
	err := j.Encode(response)

	if err != nil {
		logger.Errorf("error serializing json error for API %v route: %v", route, err)
	}
}

func sendOKResponse(j *json.Encoder, route string, data []interface{}) {
	response := &types.ApiResponse{}
	response.Status = "OK"

	if len(data) == 1 {
		response.Data = data[0]
	} else {
		response.Data = data
	}
	err := j.Encode(response)

	if err != nil {
		logger.Errorf("error serializing json data for API %v route: %v", route, err)
	}
}
