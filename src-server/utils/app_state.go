package utils

import (
	"database/sql"
	"log/slog"
	"os"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

type AppState struct {
	Config      *Config
	RawDB       *sql.DB
	BunDB       *bun.DB
	MetricChans *Metric

	AppCloseSignalChan chan os.Signal

	gracefulShutdownChans []*chan struct{}
	gracefulShutdownMu    sync.Mutex
}

func NewAppState() *AppState {
	as := &AppState{}

	as.Config = NewConfig()
	as.MetricChans = NewMetric()
	as.AppCloseSignalChan = make(chan os.Signal, 1)

	// database
	var err error
	as.RawDB, err = sql.Open(sqliteshim.ShimName, as.Config.GetSqlitePath()+"?mode=rwc")
	if err != nil {
		slog.Error("cannot open sqlite database", "error", err)
		os.Exit(1)
	}
	as.RawDB.SetMaxIdleConns(8)

	as.BunDB = bun.NewDB(as.RawDB, sqlitedialect.New())
	as.BunDB.AddQueryHook(bundebug.NewQueryHook(
		bundebug.FromEnv("BUNDEBUG"),
	))

	return as
}

// each long-running goroutine (metric collectors, export workers, ...)
// grabs one of these and returns when it's closed
func (as *AppState) CreateGracefulShutdownChan() *chan struct{} {
	ch := make(chan struct{})
	as.gracefulShutdownMu.Lock()
	as.gracefulShutdownChans = append(as.gracefulShutdownChans, &ch)
	as.gracefulShutdownMu.Unlock()
	return &ch
}

func (as *AppState) GracefulShutdown() {
	as.gracefulShutdownMu.Lock()
	defer as.gracefulShutdownMu.Unlock()
	for _, ch := range as.gracefulShutdownChans {
		close(*ch)
	}
	as.gracefulShutdownChans = nil

	if as.RawDB != nil {
		if err := as.RawDB.Close(); err != nil {
			slog.Warn("can't close database", "error", err)
		}
	}
}
