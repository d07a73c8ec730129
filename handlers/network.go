package handlers

import (
	"net/http"

	"beaconchain-indexer/services"
)

// NetworkParticipationRate returns the participation rate of the last 5 epochs as plain text.
// The response is always 200, failures are logged and degrade to the last known or a zero rate.
func NetworkParticipationRate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	rate := participationService.ParticipationRate(r.Context())

	_, err := w.Write([]byte(services.FormatParticipationRate(rate)))
	if err != nil {
		logger.WithError(err).Error("error writing participation rate response")
	}
}
