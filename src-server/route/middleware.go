package route

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"learntrack/src-server/model"
	"learntrack/src-server/utils"
)

type UserSessionCtxKeyType string

const UserSessionCtxKey UserSessionCtxKeyType = "user-session"

// the admin key can also arrive as a query parameter since websocket
// clients can't set request headers
const AdminApiKeyHeader = "X-Admin-Api-Key"

func writeError(w http.ResponseWriter, status int, label string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": label}); err != nil {
		slog.Warn("can't write error response", "error", err)
	}
}

// extract the bearer token from "Authorization: Token <code>"
func extractToken(r *http.Request) string {
	authData := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(authData) != 2 || !strings.EqualFold(authData[0], "token") {
		return ""
	}
	return strings.TrimSpace(authData[1])
}

// AuthMiddleware resolves the bearer token to a user application session
// and stashes it in the request context. Every API call except the
// identity-bootstrap endpoints goes through here, so every stored event
// is attributable to exactly one identity.
func AuthMiddleware(as *utils.AppState, next func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		startTimer := time.Now()
		userSessionModel := new(model.UserApplicationSession)
		err := as.BunDB.
			NewSelect().
			Model(userSessionModel).
			Relation("ApplicationSession").
			Where("?TableAlias.code = ?", token).
			Scan(r.Context())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't resolve token in DB", "error", err)
			return
		}
		as.MetricChans.Send(as.MetricChans.DatabaseReadForAuthMiddleware,
			float64(time.Since(startTimer).Microseconds()))

		if userSessionModel.ApplicationSession == nil {
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("user session without application session",
				"user_session_id", userSessionModel.ID)
			return
		}
		switch userSessionModel.ApplicationSession.AuthMode {
		case model.AUTH_MODE_LOGIN:
			if userSessionModel.UserID == 0 {
				// login sessions need a registered user behind the token
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		case model.AUTH_MODE_NONE:
			if userSessionModel.UserID != 0 {
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("anonymous session has a registered user attached",
					"user_session_id", userSessionModel.ID, "user_id", userSessionModel.UserID)
				return
			}
		}

		ctx := context.WithValue(r.Context(), UserSessionCtxKey, userSessionModel)
		next(w, r.WithContext(ctx))
	}
}

// AdminMiddleware guards the export and replay endpoints with the
// configured admin API key.
func AdminMiddleware(as *utils.AppState, next func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		adminApiKey := as.Config.GetAdminApiKey()
		if adminApiKey == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		providedKey := r.Header.Get(AdminApiKeyHeader)
		if providedKey == "" {
			providedKey = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(adminApiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
