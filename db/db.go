package db

import (
	"embed"
	"fmt"
	"net"
	"time"

	"beaconchain-indexer/types"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// DB is a pointer to the indexer-database
var WriterDb *sqlx.DB
var ReaderDb *sqlx.DB

var logger = logrus.StandardLogger().WithField("module", "db")

func dbTestConnection(dbConn *sqlx.DB, dataBaseName string) {
	// The golang sql driver does not properly implement PingContext
	// therefore we use a timer to catch db connection timeouts
	dbConnectionTimeout := time.NewTimer(15 * time.Second)

	go func() {
		<-dbConnectionTimeout.C
		logger.Fatalf("timeout while connecting to %s", dataBaseName)
	}()

	err := dbConn.Ping()
	if err != nil {
		logger.Fatalf("unable to Ping %s: %s", dataBaseName, err)
	}

	dbConnectionTimeout.Stop()
}

func applyPoolDefaults(cfg *types.DatabaseConfig) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 50
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxOpenConns < cfg.MaxIdleConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.Driver == "" {
		cfg.Driver = "pgx"
	}
}

func openDB(cfg *types.DatabaseConfig, role string) *sqlx.DB {
	applyPoolDefaults(cfg)

	sslParam := "sslmode=disable"
	if cfg.SSL {
		sslParam = "sslmode=require"
	}

	logger.Infof("connecting to %s database %s:%s/%s as %s with %d/%d max open/idle connections", cfg.Driver, cfg.Host, cfg.Port, cfg.Name, role, cfg.MaxOpenConns, cfg.MaxIdleConns)
	dbConn, err := sqlx.Open(cfg.Driver, fmt.Sprintf("postgres://%s:%s@%s/%s?%s", cfg.Username, cfg.Password, net.JoinHostPort(cfg.Host, cfg.Port), cfg.Name, sslParam))
	if err != nil {
		logger.Fatalf("error getting connection %s database: %v", role, err)
	}

	dbTestConnection(dbConn, fmt.Sprintf("database %v:%v/%v", cfg.Host, cfg.Port, cfg.Name))
	dbConn.SetConnMaxIdleTime(time.Second * 30)
	dbConn.SetConnMaxLifetime(time.Minute)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	return dbConn
}

// MustInitDB connects the writer and reader databases, a reader without host falls back to the writer
func MustInitDB(writer *types.DatabaseConfig, reader *types.DatabaseConfig) {
	WriterDb = openDB(writer, "writer")
	if reader == nil || reader.Host == "" {
		ReaderDb = WriterDb
		return
	}
	ReaderDb = openDB(reader, "reader")
}

// ApplyEmbeddedDbSchema migrates the writer database. A version of -2 applies all
// migrations, -1 applies the next one and any other value migrates up to that version.
func ApplyEmbeddedDbSchema(version int64) error {
	goose.SetBaseFS(EmbedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if version == -2 {
		if err := goose.Up(WriterDb.DB, "migrations"); err != nil {
			return err
		}
	} else if version == -1 {
		if err := goose.UpByOne(WriterDb.DB, "migrations"); err != nil {
			return err
		}
	} else {
		if err := goose.UpTo(WriterDb.DB, "migrations", version); err != nil {
			return err
		}
	}

	return nil
}
