package exporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"beaconchain-indexer/utils"

	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger().WithField("module", "exporter")

// Run runs an export cycle right away and then on every poll interval until ctx is cancelled.
// A tick that fires while the previous cycle is still running is skipped.
func (se *SlotExporter) Run(ctx context.Context) {
	logger.Infof("starting slot exporter with a poll interval of %v", se.cfg.PollInterval)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	runCycle := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			se.runCycleLogged(ctx)
		}()
	}

	ticker := time.NewTicker(se.cfg.PollInterval)
	defer ticker.Stop()

	runCycle()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("stopping slot exporter")
			return
		case <-ticker.C:
			runCycle()
		}
	}
}

func (se *SlotExporter) runCycleLogged(ctx context.Context) {
	_, err := se.RunCycle(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, ErrCycleRunning) {
		logger.Infof("skipping export cycle as one is already running")
		return
	}
	if ctx.Err() != nil {
		return
	}
	utils.LogError(err, "error running export cycle", 0)
}
