package route

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"learntrack/src-server/event"
	"learntrack/src-server/model"
	"learntrack/src-server/utils"

	"github.com/uptrace/bun"
)

func Tracking(muxer *http.ServeMux, as *utils.AppState) {
	type StartTrackingReqBody struct {
		StartTime  time.Time       `json:"start_time"`
		DeviceInfo json.RawMessage `json:"device_info"`
	}

	// open a tracking session; any tracking session still open for this
	// user application session is implicitly closed first
	muxer.HandleFunc("POST /tracking_session/", AuthMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			userSessionModel, ok := r.Context().Value(UserSessionCtxKey).(*model.UserApplicationSession)
			if !ok {
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}

			var reqBody StartTrackingReqBody
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}
			if reqBody.StartTime.IsZero() {
				writeError(w, http.StatusBadRequest, "missing_start_time")
				return
			}

			trackingSessionModel := &model.TrackingSession{
				UserAppSessionID: userSessionModel.ID,
				StartTime:        reqBody.StartTime.UTC(),
				DeviceInfo:       normalizeDeviceInfo(reqBody.DeviceInfo),
			}
			startTimer := time.Now()
			if err := as.BunDB.RunInTx(r.Context(), &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
				// close any prior open tracking session for this parent
				if _, err := tx.
					NewUpdate().
					Model((*model.TrackingSession)(nil)).
					Set("end_time = ?", trackingSessionModel.StartTime).
					Where("user_app_session_id = ?", userSessionModel.ID).
					Where("end_time IS NULL").
					Exec(ctx); err != nil {
					return err
				}
				if _, err := tx.
					NewInsert().
					Model(trackingSessionModel).
					Exec(ctx); err != nil {
					return err
				}
				return nil
			}); err != nil {
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't open tracking session", "error", err)
				return
			}
			as.MetricChans.Send(as.MetricChans.DatabaseWrite,
				float64(time.Since(startTimer).Microseconds()))

			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]int64{
				"tracking_session_id": trackingSessionModel.ID,
			})
		}))

	type EndTrackingReqBody struct {
		TrackingSessionID int64     `json:"tracking_session_id"`
		EndTime           time.Time `json:"end_time"`
	}

	// close a tracking session
	muxer.HandleFunc("POST /tracking_session_end/", AuthMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			userSessionModel, ok := r.Context().Value(UserSessionCtxKey).(*model.UserApplicationSession)
			if !ok {
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}

			var reqBody EndTrackingReqBody
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}
			if reqBody.TrackingSessionID == 0 || reqBody.EndTime.IsZero() {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}

			result, err := as.BunDB.
				NewUpdate().
				Model((*model.TrackingSession)(nil)).
				Set("end_time = ?", reqBody.EndTime.UTC()).
				Where("id = ?", reqBody.TrackingSessionID).
				Where("user_app_session_id = ?", userSessionModel.ID).
				Where("end_time IS NULL").
				Exec(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't close tracking session", "error", err)
				return
			}
			if affected, err := result.RowsAffected(); err != nil || affected == 0 {
				writeError(w, http.StatusBadRequest, "session_closed")
				return
			}

			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]int64{
				"tracking_session_id": reqBody.TrackingSessionID,
			})
		}))

	type TrackEventReqBody struct {
		TrackingSessionID int64 `json:"tracking_session_id"`
		Event             struct {
			Time  time.Time       `json:"time"`
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"event"`
	}

	// append one event; events may arrive out of order relative to their
	// event time, arrival order is preserved by the autoincrement ID
	muxer.HandleFunc("POST /tracking_event/", AuthMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			userSessionModel, ok := r.Context().Value(UserSessionCtxKey).(*model.UserApplicationSession)
			if !ok {
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}

			var reqBody TrackEventReqBody
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}
			if reqBody.TrackingSessionID == 0 || reqBody.Event.Time.IsZero() || reqBody.Event.Type == "" {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}

			// the session must be open and belong to this identity
			exists, err := as.BunDB.
				NewSelect().
				Model((*model.TrackingSession)(nil)).
				Where("id = ?", reqBody.TrackingSessionID).
				Where("user_app_session_id = ?", userSessionModel.ID).
				Where("end_time IS NULL").
				Exists(r.Context())
			switch {
			case err != nil:
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't check tracking session", "error", err)
				return
			case !exists:
				writeError(w, http.StatusBadRequest, "session_closed")
				return
			}

			// malformed values are dropped, never stored
			if _, err := event.Parse(reqBody.Event.Type, reqBody.Event.Value); err != nil {
				writeError(w, http.StatusBadRequest, "malformed_event")
				slog.Debug("malformed tracking event dropped",
					"type", reqBody.Event.Type, "error", err)
				return
			}

			startTimer := time.Now()
			if _, err := as.BunDB.
				NewInsert().
				Model(&model.TrackingEvent{
					TrackingSessionID: reqBody.TrackingSessionID,
					Time:              reqBody.Event.Time.UTC(),
					Type:              reqBody.Event.Type,
					Value:             reqBody.Event.Value,
				}).
				Exec(r.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't insert tracking event", "error", err)
				return
			}
			as.MetricChans.Send(as.MetricChans.DatabaseWrite,
				float64(time.Since(startTimer).Microseconds()))
			as.MetricChans.Send(as.MetricChans.EventIngested, 1)

			w.WriteHeader(http.StatusNoContent)
		}))

	type UserFeedbackReqBody struct {
		TrackingSessionID int64   `json:"tracking_session_id"`
		ContentSection    string  `json:"content_section"`
		Score             *int64  `json:"score"`
		Text              *string `json:"text"`
	}

	// user feedback for a content section; one row per user application
	// session and section, later submissions overwrite earlier ones
	muxer.HandleFunc("POST /user_feedback/", AuthMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			userSessionModel, ok := r.Context().Value(UserSessionCtxKey).(*model.UserApplicationSession)
			if !ok {
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}

			var reqBody UserFeedbackReqBody
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}
			switch {
			case reqBody.ContentSection == "":
				writeError(w, http.StatusBadRequest, "missing_content_section")
				return
			case reqBody.Score == nil && reqBody.Text == nil:
				writeError(w, http.StatusBadRequest, "either_score_or_text_must_be_given")
				return
			case reqBody.Score != nil && (*reqBody.Score < 1 || *reqBody.Score > 5):
				writeError(w, http.StatusBadRequest, "score_out_of_range")
				return
			}

			feedbackModel := &model.UserFeedback{
				UserAppSessionID:  userSessionModel.ID,
				TrackingSessionID: reqBody.TrackingSessionID,
				ContentSection:    reqBody.ContentSection,
				CreatedAt:         time.Now().UTC(),
			}
			if reqBody.Score != nil {
				feedbackModel.Score = *reqBody.Score
			}
			if reqBody.Text != nil {
				feedbackModel.Text = *reqBody.Text
			}
			if _, err := as.BunDB.
				NewInsert().
				Model(feedbackModel).
				On("CONFLICT (user_app_session_id, content_section) DO UPDATE").
				Set("score = EXCLUDED.score").
				Set("text = EXCLUDED.text").
				Exec(r.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't store user feedback", "error", err)
				return
			}

			w.WriteHeader(http.StatusCreated)
		}))
}

// normalizeDeviceInfo tidies up the free-form form_factor label; the rest
// of the device info snapshot is stored as submitted
func normalizeDeviceInfo(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var deviceInfo map[string]any
	if err := json.Unmarshal(raw, &deviceInfo); err != nil {
		return raw
	}
	formFactor, ok := deviceInfo["form_factor"].(string)
	if !ok {
		return raw
	}
	deviceInfo["form_factor"] = utils.CleanupString(formFactor)
	normalized, err := json.Marshal(deviceInfo)
	if err != nil {
		return raw
	}
	return normalized
}
