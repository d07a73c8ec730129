package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"beaconchain-indexer/cache"
	"beaconchain-indexer/db"
	"beaconchain-indexer/exporter"
	"beaconchain-indexer/handlers"
	"beaconchain-indexer/metrics"
	"beaconchain-indexer/ratelimit"
	"beaconchain-indexer/rpc"
	"beaconchain-indexer/services"
	"beaconchain-indexer/types"
	"beaconchain-indexer/utils"
	"beaconchain-indexer/version"

	"github.com/gorilla/mux"
	"github.com/phyber/negroni-gzip/gzip"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
	"github.com/zesik/proxyaddr"
	"golang.org/x/sync/errgroup"
)

func main() {
	defer recoverPanic()
	configPath := flag.String("config", "", "Path to the config file, if empty string only the environment is used")
	applyDbSchema := flag.Bool("apply-db-schema", true, "Apply the embedded database migrations on startup")

	flag.Parse()

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
	logrus.WithField("config", *configPath).WithField("version", version.String()).WithField("store", cfg.Indexer.Store).Printf("starting")

	var store db.SlotStore
	var statusReporter db.StatusReporter
	var tieredCache *cache.TieredCache

	g := new(errgroup.Group)

	if cfg.Indexer.Store == "postgres" {
		g.Go(func() error {
			db.MustInitDB(&cfg.WriterDatabase, &cfg.ReaderDatabase)
			if *applyDbSchema {
				if err := db.ApplyEmbeddedDbSchema(-2); err != nil {
					return fmt.Errorf("error applying db schema: %w", err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		var err error
		tieredCache, err = cache.NewTieredCache(cfg.Frontend.CacheEndpoint)
		return err
	})

	err = g.Wait()
	if err != nil {
		utils.LogFatal(err, "error initializing indexer", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Indexer.Store == "postgres" {
		defer db.ReaderDb.Close()
		defer db.WriterDb.Close()
		postgresStore := db.NewPostgresStore(db.WriterDb, db.ReaderDb)
		store = postgresStore
		statusReporter = postgresStore

		if cfg.Metrics.Enabled {
			go metrics.MonitorDB(ctx, db.WriterDb)
		}
	} else {
		logrus.Warnf("using the in memory store, exported slots are lost on restart")
		store = db.NewMemStore()
	}
	defer tieredCache.Close()

	wg := &sync.WaitGroup{}

	if cfg.Indexer.Enabled {
		client, err := rpc.NewBeaconchainClient(cfg.Indexer.ApiEndpoint, cfg.Indexer.ApiKey, cfg.Indexer.FetchTimeout, cfg.Indexer.RequestsPerSecond)
		if err != nil {
			logrus.Fatalf("error initializing explorer api client: %v", err)
		}

		slotExporter, err := exporter.NewSlotExporter(client, store, exporter.Config{
			PollInterval:     cfg.Indexer.PollInterval,
			RequestDelay:     cfg.Indexer.RequestDelay,
			FetchTimeout:     cfg.Indexer.FetchTimeout,
			MaxSlotAttempts:  cfg.Indexer.MaxSlotAttempts,
			MaxSlotsPerCycle: cfg.Indexer.MaxSlotsPerCycle,
			BitfieldDecoding: cfg.Indexer.BitfieldDecoding,
		})
		if err != nil {
			logrus.Fatalf("error initializing slot exporter: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverPanic()
			slotExporter.Run(ctx)
		}()

		reportStatus(ctx, wg, cfg, statusReporter, "slotexporter")
	}

	var srv *http.Server
	if cfg.Frontend.Enabled {
		participationService := services.NewParticipationService(services.NewParticipationAggregator(store), tieredCache, cfg.Frontend.ReadTimeout)
		handlers.Init(participationService, store)

		var limiter *ratelimit.RateLimiter
		if cfg.Frontend.RateLimit.RequestsPerSecond > 0 {
			limiter = ratelimit.NewRateLimiter(ctx, cfg.Frontend.RateLimit.RequestsPerSecond, cfg.Frontend.RateLimit.Burst)
		}
		router := newRouter(cfg, limiter)

		n := negroni.New(negroni.NewRecovery())
		n.Use(gzip.Gzip(gzip.DefaultCompression))

		pa := &proxyaddr.ProxyAddr{}
		pa.Init(proxyaddr.CIDRLoopback)
		n.Use(pa)

		n.UseHandler(recoverPanicWrap(router))

		srv = &http.Server{
			Addr:         cfg.Frontend.Server.Host + ":" + cfg.Frontend.Server.Port,
			WriteTimeout: cfg.Frontend.HttpWriteTimeout,
			ReadTimeout:  cfg.Frontend.HttpReadTimeout,
			IdleTimeout:  cfg.Frontend.HttpIdleTimeout,
			Handler:      n,
		}

		logrus.Printf("http server listening on %v", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Fatal("Error serving frontend")
			}
		}()

		reportStatus(ctx, wg, cfg, statusReporter, "api")
	}

	if cfg.Metrics.Enabled {
		go func(addr string) {
			logrus.Infof("Serving metrics on %v", addr)
			if err := metrics.Serve(addr); err != nil {
				logrus.WithError(err).Fatal("Error serving metrics")
			}
		}(cfg.Metrics.Address)
	}

	utils.WaitForCtrlC()

	logrus.Println("exiting...")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("error shutting down http server")
		}
		shutdownCancel()
	}

	cancel()
	wg.Wait()
}

func reportStatus(ctx context.Context, wg *sync.WaitGroup, cfg *types.Config, reporter db.StatusReporter, name string) {
	if !cfg.ReportServiceStatus || reporter == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		services.ReportStatusLoop(ctx, reporter, name, time.Minute)
	}()
}

func recoverPanic() {
	err := getRecoverError(recover())
	if err != nil {
		handleRecoverError(err, "panic/fatal", 1)
		debug.PrintStack()
	}
}

func recoverPanicWrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := getRecoverError(recover())
			if err != nil {
				handleRecoverError(err, "Recovered from panic/fatal", 2)
				debug.PrintStack()
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
	})
}

func handleRecoverError(err error, text string, skip int) {
	pc, fullFilePath, line, ok := runtime.Caller(skip)
	if ok {
		logrus.WithFields(logrus.Fields{
			"file":       filepath.Base(fullFilePath),
			"line":       strconv.Itoa(line),
			"function":   runtime.FuncForPC(pc).Name(),
			"error type": fmt.Sprintf("%T", err),
		}).WithError(err).Error(text)
	} else {
		logrus.WithFields(logrus.Fields{
			"location":   "Cannot read callstack",
			"error type": fmt.Sprintf("%T", err),
		}).WithError(err).Error(text)
	}
}

// newRouter registers the frontend routes. The rate limiter only guards the json api,
// the plain participation endpoint always answers with 200.
func newRouter(cfg *types.Config, limiter *ratelimit.RateLimiter) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/network/participation_rate", recoverPanicWrap(http.HandlerFunc(handlers.NetworkParticipationRate))).Methods("GET")
	router.Handle("/api/healthz", recoverPanicWrap(http.HandlerFunc(handlers.ApiHealthz))).Methods("GET", "HEAD")

	apiV1Router := router.PathPrefix("/api/v1").Subrouter()
	apiV1Router.Handle("/network/participation", recoverPanicWrap(http.HandlerFunc(handlers.ApiNetworkParticipation))).Methods("GET", "OPTIONS")

	if cfg.Metrics.Enabled {
		router.Use(metrics.HttpMiddleware)
	}
	if limiter != nil {
		apiV1Router.Use(limiter.HttpMiddleware)
	}

	return router
}

func getRecoverError(r any) error {
	if r != nil {
		switch t := r.(type) {
		case string:
			return errors.New(t)
		case error:
			return t
		default:
			return errors.New("unknown error")
		}
	}
	return nil
}
