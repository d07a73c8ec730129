package utils

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"beaconchain-indexer/types"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// SlotsPerEpoch is the number of slots in an epoch on mainnet
const SlotsPerEpoch = 32

// Config is the globally accessible configuration
var Config *types.Config

// EpochOfSlot returns the epoch of a slot
func EpochOfSlot(slot uint64) uint64 {
	return slot / SlotsPerEpoch
}

// WaitForCtrlC will block/wait until a control-c is pressed
func WaitForCtrlC() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// ReadConfig will process a configuration. An empty path skips the config file
// and only reads the environment.
func ReadConfig(cfg *types.Config, path string) error {
	if path != "" {
		err := readConfigFile(cfg, path)
		if err != nil {
			return err
		}
	}

	err := readConfigEnv(cfg)
	if err != nil {
		return err
	}

	setConfigDefaults(cfg)

	return validateConfig(cfg)
}

func readConfigFile(cfg *types.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file %v: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(cfg)
	if err != nil {
		return fmt.Errorf("error decoding config file %v: %w", path, err)
	}

	return nil
}

func readConfigEnv(cfg *types.Config) error {
	return envconfig.Process("", cfg)
}

func setConfigDefaults(cfg *types.Config) {
	if cfg.Indexer.Store == "" {
		cfg.Indexer.Store = "postgres"
	}
	if cfg.Indexer.PollInterval == 0 {
		cfg.Indexer.PollInterval = time.Second * 10
	}
	if cfg.Indexer.RequestDelay == 0 {
		cfg.Indexer.RequestDelay = time.Millisecond * 100
	}
	if cfg.Indexer.FetchTimeout == 0 {
		cfg.Indexer.FetchTimeout = time.Second * 20
	}
	if cfg.Indexer.MaxSlotAttempts == 0 {
		cfg.Indexer.MaxSlotAttempts = 10
	}
	if cfg.Indexer.MaxSlotsPerCycle == 0 {
		cfg.Indexer.MaxSlotsPerCycle = SlotsPerEpoch * 10
	}
	if cfg.Indexer.BitfieldDecoding == "" {
		cfg.Indexer.BitfieldDecoding = "bigint"
	}

	if cfg.Frontend.Server.Port == "" {
		cfg.Frontend.Server.Port = "8080"
	}
	if cfg.Frontend.HttpReadTimeout == 0 {
		cfg.Frontend.HttpReadTimeout = time.Second * 15
	}
	if cfg.Frontend.HttpWriteTimeout == 0 {
		cfg.Frontend.HttpWriteTimeout = time.Second * 15
	}
	if cfg.Frontend.HttpIdleTimeout == 0 {
		cfg.Frontend.HttpIdleTimeout = time.Second * 60
	}
	if cfg.Frontend.ReadTimeout == 0 {
		cfg.Frontend.ReadTimeout = time.Second * 2
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validateConfig(cfg *types.Config) error {
	switch cfg.Indexer.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid indexer store %q, must be postgres or memory", cfg.Indexer.Store)
	}

	switch cfg.Indexer.BitfieldDecoding {
	case "bigint", "bitlist":
	default:
		return fmt.Errorf("invalid bitfield decoding %q, must be bigint or bitlist", cfg.Indexer.BitfieldDecoding)
	}

	if cfg.Indexer.MaxSlotAttempts < 0 {
		return fmt.Errorf("invalid max slot attempts %v", cfg.Indexer.MaxSlotAttempts)
	}

	return nil
}

// InitLogging configures the standard logger from the logging config
func InitLogging(cfg *types.Config) error {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("error parsing log level %v: %w", cfg.Logging.Level, err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Logging.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", cfg.Logging.Format)
	}

	return nil
}

// LogFatal logs a fatal error with callstack info that skips callerSkip many levels with arbitrarily many additional infos.
// callerSkip equal to 0 gives you info directly where LogFatal is called.
func LogFatal(err error, errorMsg interface{}, callerSkip int, additionalInfos ...map[string]interface{}) {
	logErrorInfo(err, callerSkip, additionalInfos...).Fatal(errorMsg)
}

// LogError logs an error with callstack info that skips callerSkip many levels with arbitrarily many additional infos.
// callerSkip equal to 0 gives you info directly where LogError is called.
func LogError(err error, errorMsg interface{}, callerSkip int, additionalInfos ...map[string]interface{}) {
	logErrorInfo(err, callerSkip, additionalInfos...).Error(errorMsg)
}

func logErrorInfo(err error, callerSkip int, additionalInfos ...map[string]interface{}) *logrus.Entry {
	logFields := logrus.NewEntry(logrus.StandardLogger())

	pc, fullFilePath, line, ok := runtime.Caller(callerSkip + 2)
	if ok {
		logFields = logFields.WithFields(logrus.Fields{
			"_file":     fullFilePath[strings.LastIndex(fullFilePath, "/")+1:],
			"_function": runtime.FuncForPC(pc).Name(),
			"_line":     line,
		})
	} else {
		logFields = logFields.WithField("runtime", "Callstack cannot be read")
	}

	if err != nil {
		logFields = logFields.WithField("error type", fmt.Sprintf("%T", err)).WithError(err)
	}

	for _, infoMap := range additionalInfos {
		for name, info := range infoMap {
			logFields = logFields.WithField(name, info)
		}
	}

	return logFields
}
