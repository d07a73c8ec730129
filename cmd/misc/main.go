package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"beaconchain-indexer/db"
	"beaconchain-indexer/exporter"
	"beaconchain-indexer/hexutil"
	"beaconchain-indexer/rpc"
	"beaconchain-indexer/services"
	"beaconchain-indexer/types"
	"beaconchain-indexer/utils"
	"beaconchain-indexer/version"

	"github.com/sirupsen/logrus"
)

var opts = struct {
	Command       string
	TargetVersion int64
	Bits          string
	CommitteeSize int
}{}

func main() {
	configPath := flag.String("config", "", "Path to the config file, if empty string only the environment is used")
	flag.StringVar(&opts.Command, "command", "", "command to run, available: applyDbSchema, export-cycle, participation-rate, decode-bitfield")
	flag.Int64Var(&opts.TargetVersion, "target-version", -2, "Db migration target version, use -2 to apply up to the latest version, -1 to apply only the next version or the specific versions")
	flag.StringVar(&opts.Bits, "bits", "", "hex encoded aggregation bits for decode-bitfield")
	flag.IntVar(&opts.CommitteeSize, "committee-size", 0, "committee size for decode-bitfield, 0 uses the length encoded in the bitlist")
	versionFlag := flag.Bool("version", false, "Show version and exit")

	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Version)
		fmt.Println(version.GoVersion)
		return
	}

	// decoding does not need any config or database
	if opts.Command == "decode-bitfield" {
		err := decodeBitfield(opts.Bits, opts.CommitteeSize)
		if err != nil {
			logrus.WithError(err).Fatal("error decoding bitfield")
		}
		return
	}

	logrus.WithField("config", *configPath).WithField("version", version.Version).Printf("starting")
	cfg := &types.Config{}
	err := utils.ReadConfig(cfg, *configPath)
	if err != nil {
		logrus.Fatalf("error reading config file: %v", err)
	}
	utils.Config = cfg

	err = utils.InitLogging(cfg)
	if err != nil {
		logrus.Fatalf("error initializing logging: %v", err)
	}

	var store db.SlotStore
	if cfg.Indexer.Store == "postgres" {
		db.MustInitDB(&cfg.WriterDatabase, &cfg.ReaderDatabase)
		defer db.ReaderDb.Close()
		defer db.WriterDb.Close()
		store = db.NewPostgresStore(db.WriterDb, db.ReaderDb)
	} else {
		store = db.NewMemStore()
	}

	ctx := context.Background()

	switch opts.Command {
	case "applyDbSchema":
		if cfg.Indexer.Store != "postgres" {
			logrus.Fatalf("applyDbSchema requires the postgres store")
		}
		logrus.Infof("applying db schema")
		err := db.ApplyEmbeddedDbSchema(opts.TargetVersion)
		if err != nil {
			logrus.WithError(err).Fatal("error applying db schema")
		}
		logrus.Infof("db schema applied successfully")
	case "export-cycle":
		err := exportCycle(ctx, cfg, store)
		if err != nil {
			logrus.WithError(err).Fatal("error running export cycle")
		}
	case "participation-rate":
		rate, err := services.NewParticipationAggregator(store).ComputeParticipationRate(ctx)
		if err != nil {
			logrus.WithError(err).Fatal("error calculating participation rate")
		}
		fmt.Println(services.FormatParticipationRate(rate))
	default:
		utils.LogFatal(nil, fmt.Sprintf("unknown command %q", opts.Command), 0)
	}
}

// exportCycle runs a single export cycle against the configured store
func exportCycle(ctx context.Context, cfg *types.Config, store db.SlotStore) error {
	client, err := rpc.NewBeaconchainClient(cfg.Indexer.ApiEndpoint, cfg.Indexer.ApiKey, cfg.Indexer.FetchTimeout, cfg.Indexer.RequestsPerSecond)
	if err != nil {
		return err
	}

	slotExporter, err := exporter.NewSlotExporter(client, store, exporter.Config{
		RequestDelay:     cfg.Indexer.RequestDelay,
		FetchTimeout:     cfg.Indexer.FetchTimeout,
		MaxSlotsPerCycle: cfg.Indexer.MaxSlotsPerCycle,
		BitfieldDecoding: cfg.Indexer.BitfieldDecoding,
	})
	if err != nil {
		return err
	}

	result, err := slotExporter.RunCycle(ctx)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"lastStoredSlot":  result.LastStoredSlot,
		"latestChainSlot": result.LatestChainSlot,
		"exported":        len(result.Exported),
		"failed":          result.Failed,
	}).Infof("export cycle completed")
	return nil
}

func decodeBitfield(bits string, committeeSize int) error {
	missed, err := hexutil.MissedAttestations(bits)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "bigint:  %v missed attestations\n", missed)

	missed, err = hexutil.MissedAttestationsFixedWidth(bits, committeeSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "bitlist: %v missed attestations\n", missed)
	return nil
}
