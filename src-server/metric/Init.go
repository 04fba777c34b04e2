package metric

import (
	"log/slog"
	"time"

	"learntrack/src-server/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func databaseEmptyRead(as *utils.AppState, tickerInterval *time.Duration) {
	databaseEmptyRead := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learntrack_database_empty_read_microsec",
		Help: "The latency of an empty database read in microseconds",
	})
	good := true
	if err := prometheus.Register(databaseEmptyRead); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			slog.Error("can't register learntrack_database_empty_read_microsec metric", "error", err)
			good = false
		}
	}
	if good {
		slog.Debug("learntrack_database_empty_read_microsec metric registered")
		databaseEmptyRead.Set(0)
	}
	go func() {
		gracefulShutdownCh := as.CreateGracefulShutdownChan()
		ticker := time.NewTicker(*tickerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-*gracefulShutdownCh:
				switch prometheus.Unregister(databaseEmptyRead) {
				case true:
					slog.Debug("learntrack_database_empty_read_microsec metric unregistered")
				case false:
					slog.Warn("learntrack_database_empty_read_microsec metric not registered")
				}
				return
			case <-ticker.C:
				latency, err := database(as)
				if err != nil {
					slog.Error("can't get database latency", "error", err)
					continue
				}
				databaseEmptyRead.Set(float64(latency.Microseconds()))
			}
		}
	}()
}

func databaseRead(as *utils.AppState, clearTickerInterval *time.Duration) {
	databaseRead := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learntrack_database_read_microsec",
		Help: "The latency of a database read in microseconds",
	})
	good := true
	if err := prometheus.Register(databaseRead); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			slog.Error("can't register learntrack_database_read_microsec metric", "error", err)
			good = false
		}
	}
	if good {
		slog.Debug("learntrack_database_read_microsec metric registered")
		databaseRead.Set(0)
	}
	go func() {
		gracefulShutdownCh := as.CreateGracefulShutdownChan()
		clearTicker := time.NewTicker(*clearTickerInterval)
		defer clearTicker.Stop()
		for {
			select {
			case <-*gracefulShutdownCh:
				switch prometheus.Unregister(databaseRead) {
				case true:
					slog.Debug("learntrack_database_read_microsec metric unregistered")
				case false:
					slog.Warn("learntrack_database_read_microsec metric not registered")
				}
				return
			case latency := <-as.MetricChans.DatabaseRead:
				databaseRead.Set(latency)
				clearTicker.Reset(*clearTickerInterval)
			case <-clearTicker.C:
				databaseRead.Set(0)
			}
		}
	}()
}

func databaseWrite(as *utils.AppState, clearTickerInterval *time.Duration) {
	databaseWrite := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learntrack_database_write_microsec",
		Help: "The latency of a database write in microseconds",
	})
	good := true
	if err := prometheus.Register(databaseWrite); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			slog.Error("can't register learntrack_database_write_microsec metric", "error", err)
			good = false
		}
	}
	if good {
		slog.Debug("learntrack_database_write_microsec metric registered")
		databaseWrite.Set(0)
	}
	go func() {
		gracefulShutdownCh := as.CreateGracefulShutdownChan()
		clearTicker := time.NewTicker(*clearTickerInterval)
		defer clearTicker.Stop()
		for {
			select {
			case <-*gracefulShutdownCh:
				switch prometheus.Unregister(databaseWrite) {
				case true:
					slog.Debug("learntrack_database_write_microsec metric unregistered")
				case false:
					slog.Warn("learntrack_database_write_microsec metric not registered")
				}
				return
			case latency := <-as.MetricChans.DatabaseWrite:
				databaseWrite.Set(latency)
				clearTicker.Reset(*clearTickerInterval)
			case <-clearTicker.C:
				databaseWrite.Set(0)
			}
		}
	}()
}

func authMiddlewareRead(as *utils.AppState, clearTickerInterval *time.Duration) {
	authMiddlewareRead := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learntrack_auth_middleware_read_microsec",
		Help: "The latency of the token lookup in the auth middleware in microseconds",
	})
	good := true
	if err := prometheus.Register(authMiddlewareRead); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			slog.Error("can't register learntrack_auth_middleware_read_microsec metric", "error", err)
			good = false
		}
	}
	if good {
		slog.Debug("learntrack_auth_middleware_read_microsec metric registered")
		authMiddlewareRead.Set(0)
	}
	go func() {
		gracefulShutdownCh := as.CreateGracefulShutdownChan()
		clearTicker := time.NewTicker(*clearTickerInterval)
		defer clearTicker.Stop()
		for {
			select {
			case <-*gracefulShutdownCh:
				switch prometheus.Unregister(authMiddlewareRead) {
				case true:
					slog.Debug("learntrack_auth_middleware_read_microsec metric unregistered")
				case false:
					slog.Warn("learntrack_auth_middleware_read_microsec metric not registered")
				}
				return
			case latency := <-as.MetricChans.DatabaseReadForAuthMiddleware:
				authMiddlewareRead.Set(latency)
				clearTicker.Reset(*clearTickerInterval)
			case <-clearTicker.C:
				authMiddlewareRead.Set(0)
			}
		}
	}()
}

func eventsIngested(as *utils.AppState) {
	eventsIngested := promauto.NewCounter(prometheus.CounterOpts{
		Name: "learntrack_tracking_events_ingested_total",
		Help: "The number of tracking events accepted and stored",
	})
	good := true
	if err := prometheus.Register(eventsIngested); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			slog.Error("can't register learntrack_tracking_events_ingested_total metric", "error", err)
			good = false
		}
	}
	if good {
		slog.Debug("learntrack_tracking_events_ingested_total metric registered")
	}
	go func() {
		gracefulShutdownCh := as.CreateGracefulShutdownChan()
		for {
			select {
			case <-*gracefulShutdownCh:
				switch prometheus.Unregister(eventsIngested) {
				case true:
					slog.Debug("learntrack_tracking_events_ingested_total metric unregistered")
				case false:
					slog.Warn("learntrack_tracking_events_ingested_total metric not registered")
				}
				return
			case count := <-as.MetricChans.EventIngested:
				eventsIngested.Add(count)
			}
		}
	}()
}

func exportDuration(as *utils.AppState) {
	exportDuration := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learntrack_export_generation_seconds",
		Help: "The duration of the last export file generation in seconds",
	})
	good := true
	if err := prometheus.Register(exportDuration); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			slog.Error("can't register learntrack_export_generation_seconds metric", "error", err)
			good = false
		}
	}
	if good {
		slog.Debug("learntrack_export_generation_seconds metric registered")
		exportDuration.Set(0)
	}
	go func() {
		gracefulShutdownCh := as.CreateGracefulShutdownChan()
		for {
			select {
			case <-*gracefulShutdownCh:
				switch prometheus.Unregister(exportDuration) {
				case true:
					slog.Debug("learntrack_export_generation_seconds metric unregistered")
				case false:
					slog.Warn("learntrack_export_generation_seconds metric not registered")
				}
				return
			case seconds := <-as.MetricChans.ExportDuration:
				exportDuration.Set(seconds)
			}
		}
	}()
}

func Init(as *utils.AppState) {
	tickerInterval := as.Config.GetMetricCollectionInterval()
	clearTickerInterval := as.Config.GetMetricCollectionInterval() * 2

	databaseEmptyRead(as, &tickerInterval)
	databaseRead(as, &clearTickerInterval)
	databaseWrite(as, &clearTickerInterval)
	authMiddlewareRead(as, &clearTickerInterval)
	eventsIngested(as)
	exportDuration(as)
}
