package route

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"learntrack/src-server/model"
	"learntrack/src-server/replay"
	"learntrack/src-server/utils"

	"github.com/gorilla/websocket"
	"github.com/uptrace/bun"
)

// wsEnvelope wraps a replay protocol message with the browser origin of
// the window that posted it. The viewer page relays window messages to
// this channel verbatim, so the origin check has to happen server-side.
type wsEnvelope struct {
	Origin string `json:"origin"`
	replay.Message
}

func Replay(muxer *http.ServeMux, as *utils.AppState) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// the viewer page itself may be served from anywhere; what matters
		// is the per-message origin checked by the replay controller
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	muxer.HandleFunc("GET /replay/{tracking_session_id}", AdminMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			trackingSessionID, err := strconv.ParseInt(r.PathValue("tracking_session_id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_tracking_session_id")
				return
			}

			trackingSessionModel := new(model.TrackingSession)
			err = as.BunDB.
				NewSelect().
				Model(trackingSessionModel).
				Where("?TableAlias.id = ?", trackingSessionID).
				Scan(r.Context())
			switch {
			case errors.Is(err, sql.ErrNoRows):
				writeError(w, http.StatusNotFound, "tracking_session_not_found")
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't load tracking session for replay", "error", err)
				return
			}

			store := &wsStore{db: as.BunDB, trackingSessionID: trackingSessionID}
			allowedOrigin, err := resolveReplayOrigin(r.Context(), as, trackingSessionModel)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't resolve replay origin", "error", err)
				return
			}

			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				// Upgrade already wrote the HTTP error
				slog.Warn("replay websocket upgrade failed", "error", err)
				return
			}
			defer conn.Close()

			controller := replay.NewController(store, allowedOrigin)
			if err := controller.Start(); err != nil {
				slog.Error("can't start replay controller", "error", err)
				return
			}
			slog.Info("replay channel open",
				"tracking_session_id", trackingSessionID, "allowed_origin", allowedOrigin)

			for {
				var env wsEnvelope
				if err := conn.ReadJSON(&env); err != nil {
					if websocket.IsUnexpectedCloseError(err,
						websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						slog.Warn("replay channel read failed", "error", err)
					}
					return
				}

				reply, err := controller.HandleMessage(r.Context(), env.Origin, env.Message)
				if err != nil {
					slog.Error("replay message handling failed",
						"msgtype", env.MsgType, "error", err)
					return
				}
				if reply == nil {
					continue
				}
				if err := conn.WriteJSON(reply); err != nil {
					slog.Warn("replay channel write failed", "error", err)
					return
				}
			}
		}))
}

// resolveReplayOrigin picks the origin replay control messages must carry:
// the configured override if set, otherwise scheme://host of the recorded
// application's URL.
func resolveReplayOrigin(ctx context.Context, as *utils.AppState, ts *model.TrackingSession) (string, error) {
	if origin := as.Config.GetReplayAllowedOrigin(); origin != "" {
		return origin, nil
	}

	userSessionModel := new(model.UserApplicationSession)
	err := as.BunDB.
		NewSelect().
		Model(userSessionModel).
		Relation("ApplicationSession").
		Relation("ApplicationSession.Config").
		Relation("ApplicationSession.Config.Application").
		Where("?TableAlias.id = ?", ts.UserAppSessionID).
		Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("can't load application for tracking session: %w", err)
	}
	if userSessionModel.ApplicationSession == nil ||
		userSessionModel.ApplicationSession.Config == nil ||
		userSessionModel.ApplicationSession.Config.Application == nil {
		return "", fmt.Errorf("tracking session %d has no application attached", ts.ID)
	}

	appURL, err := url.Parse(userSessionModel.ApplicationSession.Config.Application.URL)
	if err != nil {
		return "", fmt.Errorf("can't parse application URL: %w", err)
	}
	return appURL.Scheme + "://" + appURL.Host, nil
}

// wsStore serves the replay controller from the persisted trace of one
// tracking session.
type wsStore struct {
	db                *bun.DB
	trackingSessionID int64
}

// Config returns the config snapshot captured when the recorded user
// session was created, falling back to the current session config for
// traces recorded before snapshots existed.
func (s *wsStore) Config(ctx context.Context) (json.RawMessage, error) {
	userSessionModel := new(model.UserApplicationSession)
	err := s.db.
		NewSelect().
		Model(userSessionModel).
		Relation("ApplicationSession").
		Relation("ApplicationSession.Config").
		Join("JOIN tracking_sessions AS t ON t.user_app_session_id = ?TableAlias.id").
		Where("t.id = ?", s.trackingSessionID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't load session config for replay: %w", err)
	}

	if len(userSessionModel.ConfigSnapshot) > 0 {
		return userSessionModel.ConfigSnapshot, nil
	}
	if userSessionModel.ApplicationSession != nil &&
		userSessionModel.ApplicationSession.Config != nil {
		return userSessionModel.ApplicationSession.Config.Config, nil
	}
	return nil, fmt.Errorf("no config available for tracking session %d", s.trackingSessionID)
}

func (s *wsStore) EventCount(ctx context.Context) (int, error) {
	return s.db.
		NewSelect().
		Model((*model.TrackingEvent)(nil)).
		Where("tracking_session_id = ?", s.trackingSessionID).
		Count(ctx)
}

func (s *wsStore) EventAt(ctx context.Context, i int) (*replay.Event, error) {
	eventModel := new(model.TrackingEvent)
	err := s.db.
		NewSelect().
		Model(eventModel).
		Where("tracking_session_id = ?", s.trackingSessionID).
		OrderExpr("event_time, id").
		Limit(1).
		Offset(i).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &replay.Event{
		Time:  eventModel.Time,
		Type:  eventModel.Type,
		Value: eventModel.Value,
	}, nil
}
