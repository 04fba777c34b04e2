package route_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"learntrack/src-server/export"
	"learntrack/src-server/model"
	"learntrack/src-server/route"
	"learntrack/src-server/utils"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	muxer *http.ServeMux
	as    *utils.AppState

	anonSessCode  string
	loginSessCode string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("SECRET_KEY", "route-test-secret")
	t.Setenv("ADMIN_API_KEY", testAdminKey)
	t.Setenv("REPLAY_ALLOWED_ORIGIN", "")

	db, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	bundb := bun.NewDB(db, sqlitedialect.New())
	require.NoError(t, model.CreateSchema(bundb))

	as := &utils.AppState{
		Config:      utils.NewConfig(),
		RawDB:       db,
		BunDB:       bundb,
		MetricChans: utils.NewMetric(),
	}

	manager, err := export.NewManager(bundb, t.TempDir(), as.MetricChans)
	require.NoError(t, err)

	muxer := http.NewServeMux()
	route.Session(muxer, as)
	route.Tracking(muxer, as)
	route.Export(muxer, as, manager)
	route.Replay(muxer, as)

	env := &testEnv{muxer: muxer, as: as}
	env.seed(t)
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	key := e.as.Config.GetSecretKey()

	applicationModel := model.Application{
		Name: "test app", URL: "https://app.example.com/course", UpdatedAt: time.Now(),
	}
	_, err := e.as.BunDB.NewInsert().Model(&applicationModel).Exec(ctx)
	require.NoError(t, err)

	configModel := model.ApplicationConfig{
		ApplicationID: applicationModel.ID, Label: "default",
		Config: model.DefaultConfigJSON, UpdatedAt: time.Now(),
	}
	_, err = e.as.BunDB.NewInsert().Model(&configModel).Exec(ctx)
	require.NoError(t, err)

	anonModel := model.ApplicationSession{
		ConfigID: configModel.ID, AuthMode: model.AUTH_MODE_NONE,
		IsActive: true, UpdatedAt: time.Now(),
	}
	require.NoError(t, anonModel.GenerateCode(key, configModel.Config))
	_, err = e.as.BunDB.NewInsert().Model(&anonModel).Exec(ctx)
	require.NoError(t, err)
	e.anonSessCode = anonModel.Code

	loginModel := model.ApplicationSession{
		ConfigID: configModel.ID, AuthMode: model.AUTH_MODE_LOGIN,
		IsActive: true, UpdatedAt: time.Now(),
	}
	require.NoError(t, loginModel.GenerateCode(key, configModel.Config))
	_, err = e.as.BunDB.NewInsert().Model(&loginModel).Exec(ctx)
	require.NoError(t, err)
	e.loginSessCode = loginModel.Code
}

// do runs one request through the muxer; a non-empty token goes into the
// Authorization header
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	recorder := httptest.NewRecorder()
	e.muxer.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), into))
}

func errorLabel(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, recorder, &body)
	return body["error"]
}

// bootstrapAnon mints a fresh anonymous identity and returns its token
func (e *testEnv) bootstrapAnon(t *testing.T) string {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/session/", "", map[string]string{"sess": e.anonSessCode})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var body struct {
		Token string `json:"token"`
	}
	decodeBody(t, recorder, &body)
	require.Len(t, body.Token, 64)
	return body.Token
}

// openTracking opens a tracking session for the token and returns its ID
func (e *testEnv) openTracking(t *testing.T, token string) int64 {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/tracking_session/", token, map[string]any{
		"start_time":  time.Now().UTC(),
		"device_info": map[string]any{"form_factor": "desktop"},
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var body struct {
		TrackingSessionID int64 `json:"tracking_session_id"`
	}
	decodeBody(t, recorder, &body)
	require.NotZero(t, body.TrackingSessionID)
	return body.TrackingSessionID
}
