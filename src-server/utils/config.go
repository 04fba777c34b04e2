package utils

import (
	"log/slog"
	"os"
	"time"
)

type Config struct {
	port       string
	sqlitePath string

	// key for the keyed-hash code generator, truncated to 32 bytes
	secretKey []byte

	dataExportDir string
	adminApiKey   string

	// overrides the per-application origin check on the replay channel;
	// empty means "derive from the application URL"
	replayAllowedOrigin string

	metricCollectionInterval time.Duration

	dev bool
}

func NewConfig() *Config {
	return &Config{
		port: func() string {
			port := os.Getenv("PORT")
			if port == "" {
				port = "8080"
			}
			slog.Debug("env", "PORT", port)
			return port
		}(),

		sqlitePath: func() string {
			sqlitePath := os.Getenv("SQLITE_PATH")
			if sqlitePath == "" {
				sqlitePath = "./sqlite.db"
			}
			slog.Debug("env", "SQLITE_PATH", sqlitePath)
			return sqlitePath
		}(),

		secretKey: func() []byte {
			secret := os.Getenv("SECRET_KEY")
			if secret == "" {
				slog.Warn("SECRET_KEY is not set")
				secret = "secret"
			}
			key := []byte(secret)
			if len(key) > 32 {
				key = key[:32]
			}
			return key
		}(),

		dataExportDir: func() string {
			dataExportDir := os.Getenv("DATA_EXPORT_DIR")
			if dataExportDir == "" {
				dataExportDir = "./data_export"
			}
			slog.Debug("env", "DATA_EXPORT_DIR", dataExportDir)
			return dataExportDir
		}(),

		adminApiKey: func() string {
			adminApiKey := os.Getenv("ADMIN_API_KEY")
			if adminApiKey == "" {
				slog.Warn("ADMIN_API_KEY is not set, export and replay endpoints are disabled")
			}
			return adminApiKey
		}(),

		replayAllowedOrigin: func() string {
			replayAllowedOrigin := os.Getenv("REPLAY_ALLOWED_ORIGIN")
			slog.Debug("env", "REPLAY_ALLOWED_ORIGIN", replayAllowedOrigin)
			return replayAllowedOrigin
		}(),

		metricCollectionInterval: func() time.Duration {
			metricCollectionInterval := os.Getenv("METRIC_COLLECTION_INTERVAL")
			if metricCollectionInterval == "" {
				metricCollectionInterval = "1m"
			}
			duration, err := time.ParseDuration(metricCollectionInterval)
			if err != nil {
				slog.Error("invalid METRIC_COLLECTION_INTERVAL", "error", err)
				os.Exit(1)
			}
			slog.Debug("env", "METRIC_COLLECTION_INTERVAL", metricCollectionInterval, "duration", duration)
			return duration
		}(),

		dev: func() bool {
			dev := os.Getenv("DEV") != ""
			slog.Debug("env", "DEV", dev)
			return dev
		}(),
	}
}

func (c *Config) GetPort() string {
	return c.port
}

func (c *Config) GetSqlitePath() string {
	return c.sqlitePath
}

func (c *Config) GetSecretKey() []byte {
	return c.secretKey
}

func (c *Config) GetDataExportDir() string {
	return c.dataExportDir
}

func (c *Config) GetAdminApiKey() string {
	return c.adminApiKey
}

func (c *Config) GetReplayAllowedOrigin() string {
	return c.replayAllowedOrigin
}

func (c *Config) GetMetricCollectionInterval() time.Duration {
	return c.metricCollectionInterval
}

func (c *Config) GetDev() bool {
	return c.dev
}
