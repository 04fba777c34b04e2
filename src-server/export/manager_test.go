package export_test

import (
	"context"
	"database/sql"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"learntrack/src-server/export"
	"learntrack/src-server/model"
	"learntrack/src-server/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type seededData struct {
	appSessionCode  string
	userSessionCode string
	trackingID      int64
}

func seedTestDB(t *testing.T) (*bun.DB, seededData) {
	t.Helper()
	db, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// generation goroutines must see the same :memory: database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	bundb := bun.NewDB(db, sqlitedialect.New())
	require.NoError(t, model.CreateSchema(bundb))

	ctx := context.Background()
	key := []byte("test-secret-key")

	applicationModel := model.Application{
		Name: "test app", URL: "https://app.example.com/course", UpdatedAt: time.Now(),
	}
	_, err = bundb.NewInsert().Model(&applicationModel).Exec(ctx)
	require.NoError(t, err)

	configModel := model.ApplicationConfig{
		ApplicationID: applicationModel.ID, Label: "default",
		Config: model.DefaultConfigJSON, UpdatedAt: time.Now(),
	}
	_, err = bundb.NewInsert().Model(&configModel).Exec(ctx)
	require.NoError(t, err)

	appSessionModel := model.ApplicationSession{
		ConfigID: configModel.ID, AuthMode: model.AUTH_MODE_NONE,
		IsActive: true, UpdatedAt: time.Now(),
	}
	require.NoError(t, appSessionModel.GenerateCode(key, configModel.Config))
	_, err = bundb.NewInsert().Model(&appSessionModel).Exec(ctx)
	require.NoError(t, err)

	userSessionModel := model.UserApplicationSession{
		ApplicationSessionCode: appSessionModel.Code,
		ConfigSnapshot:         configModel.Config,
		CreatedAt:              time.Now(),
	}
	require.NoError(t, userSessionModel.GenerateCode(key))
	_, err = bundb.NewInsert().Model(&userSessionModel).Exec(ctx)
	require.NoError(t, err)

	trackingSessionModel := model.TrackingSession{
		UserAppSessionID: userSessionModel.ID,
		StartTime:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	_, err = bundb.NewInsert().Model(&trackingSessionModel).Exec(ctx)
	require.NoError(t, err)

	// stored out of event-time order on purpose, the export re-orders
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, offset := range []int{2, 0, 1} {
		_, err = bundb.NewInsert().Model(&model.TrackingEvent{
			TrackingSessionID: trackingSessionModel.ID,
			Time:              base.Add(time.Duration(offset) * time.Second),
			Type:              "view",
			Value:             []byte(`{}`),
		}).Exec(ctx)
		require.NoError(t, err)
	}

	return bundb, seededData{
		appSessionCode:  appSessionModel.Code,
		userSessionCode: userSessionModel.Code,
		trackingID:      trackingSessionModel.ID,
	}
}

func waitForExport(t *testing.T, manager *export.Manager, wantFiles int) []export.FileStatus {
	t.Helper()
	var statuses []export.FileStatus
	require.Eventually(t, func() bool {
		statuses = manager.Files()
		if len(statuses) != wantFiles {
			return false
		}
		for _, status := range statuses {
			if !status.Ready {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return statuses
}

func readCSV(t *testing.T, manager *export.Manager, filename string) [][]string {
	t.Helper()
	file, err := manager.Open(filename)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportGeneratesThreeJoinedFiles(t *testing.T) {
	bundb, seeded := seedTestDB(t)
	manager, err := export.NewManager(bundb, t.TempDir(), utils.NewMetric())
	require.NoError(t, err)

	jobID, err := manager.StartExport(export.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	statuses := waitForExport(t, manager, 3)
	byKind := make(map[string]string)
	for _, status := range statuses {
		for _, kind := range []string{"app_sessions", "tracking_sessions", "tracking_events"} {
			if strings.HasSuffix(status.Filename, "_"+kind+".csv") {
				byKind[kind] = status.Filename
			}
		}
	}
	require.Len(t, byKind, 3)

	appSessions := readCSV(t, manager, byKind["app_sessions"])
	require.Len(t, appSessions, 2)
	assert.Equal(t, []string{
		"app_id", "app_name", "app_url", "app_config_id",
		"app_config_label", "app_sess_code", "app_sess_auth_mode",
	}, appSessions[0])
	assert.Equal(t, seeded.appSessionCode, appSessions[1][5])
	assert.Equal(t, "none", appSessions[1][6])

	trackingSessions := readCSV(t, manager, byKind["tracking_sessions"])
	require.Len(t, trackingSessions, 2)
	assert.Equal(t, seeded.appSessionCode, trackingSessions[1][0])
	assert.Equal(t, seeded.userSessionCode, trackingSessions[1][1])

	events := readCSV(t, manager, byKind["tracking_events"])
	require.Len(t, events, 4)
	assert.Equal(t, []string{
		"app_sess_code", "user_app_sess_code", "track_sess_id",
		"event_time", "event_type", "event_value",
	}, events[0])
	// rows carry the denormalized join keys and come out time-ordered
	var prev string
	for _, row := range events[1:] {
		assert.Equal(t, seeded.appSessionCode, row[0])
		assert.Equal(t, seeded.userSessionCode, row[1])
		assert.GreaterOrEqual(t, row[3], prev)
		prev = row[3]
	}
}

func TestExportFilterByAppSession(t *testing.T) {
	bundb, seeded := seedTestDB(t)
	manager, err := export.NewManager(bundb, t.TempDir(), utils.NewMetric())
	require.NoError(t, err)

	_, err = manager.StartExport(export.Filter{AppSessionCode: "nonexistent"})
	require.NoError(t, err)
	statuses := waitForExport(t, manager, 3)
	for _, status := range statuses {
		// header only, the filter matches nothing
		records := readCSV(t, manager, status.Filename)
		assert.Len(t, records, 1, status.Filename)
	}

	_, err = manager.StartExport(export.Filter{AppSessionCode: seeded.appSessionCode})
	require.NoError(t, err)
	waitForExport(t, manager, 6)
}

func TestExportRejectsBackwardsDateRange(t *testing.T) {
	bundb, _ := seedTestDB(t)
	manager, err := export.NewManager(bundb, t.TempDir(), utils.NewMetric())
	require.NoError(t, err)

	_, err = manager.StartExport(export.Filter{
		From: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
	assert.Empty(t, manager.Files())
}

func TestExportOpenAndDelete(t *testing.T) {
	bundb, _ := seedTestDB(t)
	manager, err := export.NewManager(bundb, t.TempDir(), utils.NewMetric())
	require.NoError(t, err)

	_, err = manager.Open("nope.csv")
	assert.ErrorIs(t, err, export.ErrNotFound)
	_, err = manager.Open("../../../etc/passwd")
	assert.ErrorIs(t, err, export.ErrNotFound)
	assert.ErrorIs(t, manager.Delete("nope.csv"), export.ErrNotFound)

	_, err = manager.StartExport(export.Filter{})
	require.NoError(t, err)
	statuses := waitForExport(t, manager, 3)

	deleted := statuses[0].Filename
	require.NoError(t, manager.Delete(deleted))
	_, err = manager.Open(deleted)
	assert.ErrorIs(t, err, export.ErrNotFound)
	assert.Len(t, manager.Files(), 2)
}

func TestExportFreshFilenamesPerJob(t *testing.T) {
	bundb, _ := seedTestDB(t)
	manager, err := export.NewManager(bundb, t.TempDir(), utils.NewMetric())
	require.NoError(t, err)

	first, err := manager.StartExport(export.Filter{})
	require.NoError(t, err)
	second, err := manager.StartExport(export.Filter{})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// two jobs never collide on filenames
	statuses := waitForExport(t, manager, 6)
	seen := make(map[string]bool)
	for _, status := range statuses {
		assert.False(t, seen[status.Filename])
		seen[status.Filename] = true
	}
}
