package route_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"learntrack/src-server/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackingRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/tracking_session/", "", map[string]any{
		"start_time": time.Now().UTC(),
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = env.do(t, http.MethodPost, "/tracking_event/", "bogus-token", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "invalid_token", errorLabel(t, recorder))
}

func TestTrackingSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.bootstrapAnon(t)
	trackingID := env.openTracking(t, token)

	// the form factor label is normalized on ingest
	trackingModel := new(model.TrackingSession)
	require.NoError(t, env.as.BunDB.NewSelect().
		Model(trackingModel).
		Where("id = ?", trackingID).
		Scan(context.Background()))
	var deviceInfo map[string]any
	require.NoError(t, json.Unmarshal(trackingModel.DeviceInfo, &deviceInfo))
	assert.Equal(t, "Desktop", deviceInfo["form_factor"])

	recorder := env.do(t, http.MethodPost, "/tracking_session_end/", token, map[string]any{
		"tracking_session_id": trackingID,
		"end_time":            time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	// a closed session can't be closed again
	recorder = env.do(t, http.MethodPost, "/tracking_session_end/", token, map[string]any{
		"tracking_session_id": trackingID,
		"end_time":            time.Now().UTC(),
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "session_closed", errorLabel(t, recorder))
}

func TestTrackingSessionImplicitClose(t *testing.T) {
	env := newTestEnv(t)
	token := env.bootstrapAnon(t)

	first := env.openTracking(t, token)
	second := env.openTracking(t, token)
	require.NotEqual(t, first, second)

	// opening the second session closed the first
	count, err := env.as.BunDB.NewSelect().
		Model((*model.TrackingSession)(nil)).
		Where("end_time IS NULL").
		Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recorder := env.do(t, http.MethodPost, "/tracking_event/", token, map[string]any{
		"tracking_session_id": first,
		"event": map[string]any{
			"time": time.Now().UTC(), "type": "view", "value": map[string]any{},
		},
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "session_closed", errorLabel(t, recorder))
}

func TestTrackingSessionOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.bootstrapAnon(t)
	other := env.bootstrapAnon(t)
	trackingID := env.openTracking(t, owner)

	// a foreign identity can't touch the session
	recorder := env.do(t, http.MethodPost, "/tracking_event/", other, map[string]any{
		"tracking_session_id": trackingID,
		"event": map[string]any{
			"time": time.Now().UTC(), "type": "view", "value": map[string]any{},
		},
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "session_closed", errorLabel(t, recorder))

	recorder = env.do(t, http.MethodPost, "/tracking_session_end/", other, map[string]any{
		"tracking_session_id": trackingID,
		"end_time":            time.Now().UTC(),
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestTrackingEventIngestion(t *testing.T) {
	env := newTestEnv(t)
	token := env.bootstrapAnon(t)
	trackingID := env.openTracking(t, token)

	wellFormed := []map[string]any{
		{
			"time": time.Now().UTC(), "type": "mouse",
			"value": map[string]any{
				"frames":      []any{[]any{"m", 10, 20, 0.5}},
				"timeElapsed": 0.5,
			},
		},
		{
			"time": time.Now().UTC(), "type": "device_info_update",
			"value": map[string]any{"window_size": []int64{1280, 720}},
		},
		{
			"time": time.Now().UTC(), "type": "video_progress",
			"value": map[string]any{"progress": 0.8},
		},
	}
	for _, ev := range wellFormed {
		recorder := env.do(t, http.MethodPost, "/tracking_event/", token, map[string]any{
			"tracking_session_id": trackingID, "event": ev,
		})
		require.Equal(t, http.StatusNoContent, recorder.Code)
	}

	// malformed values are rejected and never stored
	for name, ev := range map[string]map[string]any{
		"mouse without frames": {
			"time": time.Now().UTC(), "type": "mouse",
			"value": map[string]any{"timeElapsed": 0.5},
		},
		"device info without size pair": {
			"time": time.Now().UTC(), "type": "device_info_update",
			"value": map[string]any{"window_size": []int64{1280}},
		},
	} {
		recorder := env.do(t, http.MethodPost, "/tracking_event/", token, map[string]any{
			"tracking_session_id": trackingID, "event": ev,
		})
		require.Equal(t, http.StatusBadRequest, recorder.Code, name)
		assert.Equal(t, "malformed_event", errorLabel(t, recorder), name)
	}

	count, err := env.as.BunDB.NewSelect().
		Model((*model.TrackingEvent)(nil)).
		Where("tracking_session_id = ?", trackingID).
		Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(wellFormed), count)
}

func TestUserFeedbackUpsert(t *testing.T) {
	env := newTestEnv(t)
	token := env.bootstrapAnon(t)

	recorder := env.do(t, http.MethodPost, "/user_feedback/", token, map[string]any{
		"content_section": "chapter-1",
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "either_score_or_text_must_be_given", errorLabel(t, recorder))

	recorder = env.do(t, http.MethodPost, "/user_feedback/", token, map[string]any{
		"content_section": "chapter-1", "score": 6,
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "score_out_of_range", errorLabel(t, recorder))

	recorder = env.do(t, http.MethodPost, "/user_feedback/", token, map[string]any{
		"content_section": "chapter-1", "score": 4,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	// a second submission for the same section overwrites the first
	recorder = env.do(t, http.MethodPost, "/user_feedback/", token, map[string]any{
		"content_section": "chapter-1", "score": 2, "text": "too fast",
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	feedbackModel := new(model.UserFeedback)
	require.NoError(t, env.as.BunDB.NewSelect().
		Model(feedbackModel).
		Where("content_section = ?", "chapter-1").
		Scan(context.Background()))
	assert.Equal(t, int64(2), feedbackModel.Score)
	assert.Equal(t, "too fast", feedbackModel.Text)

	count, err := env.as.BunDB.NewSelect().
		Model((*model.UserFeedback)(nil)).
		Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
