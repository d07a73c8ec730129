package services

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"beaconchain-indexer/db"
	"beaconchain-indexer/utils"
	"beaconchain-indexer/version"
)

// ReportStatus reports the status of a particular service, will add current Pid and executable name
func ReportStatus(ctx context.Context, reporter db.StatusReporter, name, status string, metadata *json.RawMessage) {
	pid := os.Getpid()
	execName, err := os.Executable()
	if err != nil {
		execName = "Unknown"
	}

	serviceStatus := &db.ServiceStatus{
		Name:           name,
		ExecutableName: execName,
		Version:        version.Version,
		Pid:            pid,
		Status:         status,
	}
	if metadata != nil {
		serviceStatus.Metadata = *metadata
	}

	err = reporter.ReportStatus(ctx, serviceStatus)
	if err != nil {
		utils.LogError(err, "error reporting service status", 0, map[string]interface{}{"name": name, "status": status})
	}
}

// ReportStatusLoop reports the service as running every interval and as stopped once ctx is cancelled
func ReportStatusLoop(ctx context.Context, reporter db.StatusReporter, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ReportStatus(ctx, reporter, name, "Running", nil)
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			ReportStatus(stopCtx, reporter, name, "Stopped", nil)
			cancel()
			return
		case <-ticker.C:
		}
	}
}
