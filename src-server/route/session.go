package route

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"learntrack/src-server/model"
	"learntrack/src-server/utils"

	"github.com/uptrace/bun"
)

const MIN_PASSWORD_LENGTH = 8

type sessionRespBody struct {
	SessCode string             `json:"sess_code"`
	AuthMode model.AuthModeType `json:"auth_mode,omitempty"`
	Token    string             `json:"token,omitempty"`
	Config   json.RawMessage    `json:"config,omitempty"`
}

func Session(muxer *http.ServeMux, as *utils.AppState) {
	type SessionReqBody struct {
		Sess     string `json:"sess"`
		Referrer string `json:"referrer"`
	}

	// bootstrap an identity for an application session. Without a token
	// this mints a fresh anonymous identity (auth mode "none") or starts
	// the login handshake (auth mode "login"); with a token it resolves
	// the existing identity idempotently.
	muxer.HandleFunc("POST /session/", func(w http.ResponseWriter, r *http.Request) {
		var reqBody SessionReqBody
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body")
			return
		}

		if token := extractToken(r); token != "" {
			resolveSessionFromToken(w, r, as, token, reqBody.Sess)
			return
		}

		if reqBody.Sess == "" {
			// no session code; try to resolve a default application
			// session from the referrer
			referrer := reqBody.Referrer
			if referrer == "" {
				referrer = r.Referer()
			}
			if referrer == "" {
				writeError(w, http.StatusBadRequest, "missing_session_code")
				return
			}
			resolveDefaultSession(w, r, as, referrer)
			return
		}

		appSessionModel := new(model.ApplicationSession)
		err := as.BunDB.
			NewSelect().
			Model(appSessionModel).
			Relation("Config").
			Where("?TableAlias.code = ?", reqBody.Sess).
			Where("?TableAlias.is_active = ?", true).
			Scan(r.Context())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't get application session", "error", err)
			return
		case appSessionModel.Config == nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("application session without config", "code", appSessionModel.Code)
			return
		}

		if appSessionModel.AuthMode == model.AUTH_MODE_LOGIN {
			// the client must proceed with /session_login/
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(sessionRespBody{
				SessCode: appSessionModel.Code,
				AuthMode: appSessionModel.AuthMode,
			})
			return
		}

		// anonymous identity: mint a fresh user application session, the
		// code doubles as the bearer token
		userSessionModel := &model.UserApplicationSession{
			ApplicationSessionCode: appSessionModel.Code,
			ConfigSnapshot:         appSessionModel.Config.Config,
			CreatedAt:              time.Now().UTC(),
		}
		if err := userSessionModel.GenerateCode(as.Config.GetSecretKey()); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't generate user session code", "error", err)
			return
		}
		startTimer := time.Now()
		if _, err := as.BunDB.
			NewInsert().
			Model(userSessionModel).
			Exec(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't insert user session", "error", err)
			return
		}
		as.MetricChans.Send(as.MetricChans.DatabaseWrite,
			float64(time.Since(startTimer).Microseconds()))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sessionRespBody{
			SessCode: appSessionModel.Code,
			AuthMode: appSessionModel.AuthMode,
			Token:    userSessionModel.Code,
			Config:   appSessionModel.Config.Config,
		})
	})

	type SessionLoginReqBody struct {
		Sess     string `json:"sess"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	// log in to an application session that requires authentication;
	// create-or-fetch semantics per (user, application session)
	muxer.HandleFunc("POST /session_login/", func(w http.ResponseWriter, r *http.Request) {
		var reqBody SessionLoginReqBody
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body")
			return
		}
		if reqBody.Sess == "" || (reqBody.Username == "" && reqBody.Email == "") || reqBody.Password == "" {
			writeError(w, http.StatusBadRequest, "missing_credentials")
			return
		}

		appSessionModel := new(model.ApplicationSession)
		err := as.BunDB.
			NewSelect().
			Model(appSessionModel).
			Relation("Config").
			Where("?TableAlias.code = ?", reqBody.Sess).
			Where("?TableAlias.is_active = ?", true).
			Scan(r.Context())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't get application session", "error", err)
			return
		case appSessionModel.AuthMode != model.AUTH_MODE_LOGIN:
			// logging in against an anonymous session is a mismatch
			writeError(w, http.StatusForbidden, "auth_mode_mismatch")
			return
		case appSessionModel.Config == nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("application session without config", "code", appSessionModel.Code)
			return
		}

		userModel := new(model.User)
		userQuery := as.BunDB.NewSelect().Model(userModel)
		if reqBody.Username != "" {
			userQuery = userQuery.Where("username = ?", reqBody.Username)
		}
		if reqBody.Email != "" {
			userQuery = userQuery.Where("email = ?", reqBody.Email)
		}
		err = userQuery.Scan(r.Context())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't get user", "error", err)
			return
		}
		if !userModel.CheckPassword(reqBody.Password) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		// insert-if-absent so concurrent first logins never duplicate the row
		userSessionModel := &model.UserApplicationSession{
			ApplicationSessionCode: appSessionModel.Code,
			UserID:                 userModel.ID,
			ConfigSnapshot:         appSessionModel.Config.Config,
			CreatedAt:              time.Now().UTC(),
		}
		if err := userSessionModel.GenerateCode(as.Config.GetSecretKey()); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't generate user session code", "error", err)
			return
		}
		created := false
		if err := as.BunDB.RunInTx(r.Context(), &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			result, err := tx.
				NewInsert().
				Model(userSessionModel).
				On("CONFLICT (application_session_code, user_id) DO NOTHING").
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, err := result.RowsAffected(); err == nil && affected > 0 {
				created = true
				return nil
			}
			// already there; return the existing session
			return tx.
				NewSelect().
				Model(userSessionModel).
				Where("application_session_code = ?", appSessionModel.Code).
				Where("user_id = ?", userModel.ID).
				Scan(ctx)
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't create user session", "error", err)
			return
		}

		if created {
			w.WriteHeader(http.StatusCreated)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(sessionRespBody{
			SessCode: appSessionModel.Code,
			AuthMode: appSessionModel.AuthMode,
			Token:    userSessionModel.Code,
			Config:   userSessionModel.ConfigSnapshot,
		})
	})

	type RegisterUserReqBody struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	// register a new user account; only very basic password checks since
	// a breach does not impose a high risk in this application
	muxer.HandleFunc("POST /register_user/", func(w http.ResponseWriter, r *http.Request) {
		var reqBody RegisterUserReqBody
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body")
			return
		}
		if (reqBody.Username == "" && reqBody.Email == "") || reqBody.Password == "" {
			writeError(w, http.StatusBadRequest, "missing_credentials")
			return
		}
		if reqBody.Email != "" {
			if _, err := mail.ParseAddress(reqBody.Email); err != nil {
				writeError(w, http.StatusForbidden, "invalid_email")
				return
			}
		}
		switch {
		case len(reqBody.Password) < MIN_PASSWORD_LENGTH:
			writeError(w, http.StatusForbidden, "pw_too_short")
			return
		case reqBody.Password == reqBody.Username:
			writeError(w, http.StatusForbidden, "pw_same_as_user")
			return
		case reqBody.Password == reqBody.Email:
			writeError(w, http.StatusForbidden, "pw_same_as_email")
			return
		}

		username := reqBody.Username
		if username == "" {
			username = reqBody.Email
		}
		userModel := &model.User{
			Username:  username,
			Email:     reqBody.Email,
			CreatedAt: time.Now().UTC(),
		}
		if err := userModel.SetPassword(reqBody.Password); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't hash password", "error", err)
			return
		}
		if _, err := as.BunDB.
			NewInsert().
			Model(userModel).
			Exec(r.Context()); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				writeError(w, http.StatusForbidden, "user_already_registered")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't insert user", "error", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
	})

	// forward a gate visitor to the next member application session,
	// round-robin
	muxer.HandleFunc("GET /gate/{code}", func(w http.ResponseWriter, r *http.Request) {
		gateModel := new(model.ApplicationSessionGate)
		err := as.BunDB.
			NewSelect().
			Model(gateModel).
			Where("code = ?", r.PathValue("code")).
			Where("is_active = ?", true).
			Scan(r.Context())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't get gate", "error", err)
			return
		}

		var targetURL string
		if err := as.BunDB.RunInTx(r.Context(), &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			targetCode, err := gateModel.NextTarget(ctx, tx)
			if err != nil {
				return err
			}
			appSessionModel := new(model.ApplicationSession)
			if err := tx.
				NewSelect().
				Model(appSessionModel).
				Relation("Config").
				Relation("Config.Application").
				Where("?TableAlias.code = ?", targetCode).
				Scan(ctx); err != nil {
				return err
			}
			if appSessionModel.Config == nil || appSessionModel.Config.Application == nil {
				return errors.New("gate target session has no application")
			}
			targetURL = appSessionModel.Config.Application.SessionURL(appSessionModel.Code)
			return nil
		}); err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			slog.Warn("can't forward gate visitor", "gate", gateModel.Code, "error", err)
			return
		}

		http.Redirect(w, r, targetURL, http.StatusFound)
	})
}

// resolveSessionFromToken handles /session/ calls that already carry a
// bearer token: repeated calls with the same (token, session) return the
// same identity and never create a second user application session.
func resolveSessionFromToken(w http.ResponseWriter, r *http.Request, as *utils.AppState, token, sess string) {
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
	case userSessionModel.ApplicationSession == nil:
		writeError(w, http.StatusInternalServerError, "internal")
		slog.Error("user session without application session", "user_session_id", userSessionModel.ID)
		return
	}

	if sess != "" && sess != userSessionModel.ApplicationSessionCode {
		// the token belongs to a different application session; report a
		// mismatch when the auth modes disagree, otherwise reject the token
		targetModel := new(model.ApplicationSession)
		err := as.BunDB.
			NewSelect().
			Model(targetModel).
			Where("code = ?", sess).
			Scan(r.Context())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal")
			slog.Error("can't get application session", "error", err)
			return
		case targetModel.AuthMode != userSessionModel.ApplicationSession.AuthMode:
			writeError(w, http.StatusForbidden, "auth_mode_mismatch")
			return
		default:
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(sessionRespBody{
		SessCode: userSessionModel.ApplicationSessionCode,
		AuthMode: userSessionModel.ApplicationSession.AuthMode,
		Token:    userSessionModel.Code,
		Config:   userSessionModel.ConfigSnapshot,
	})
}

// resolveDefaultSession matches the referrer against application URLs and
// returns the default application session code, if one is configured.
func resolveDefaultSession(w http.ResponseWriter, r *http.Request, as *utils.AppState, referrer string) {
	applicationModels := make([]model.Application, 0)
	if err := as.BunDB.
		NewSelect().
		Model(&applicationModels).
		Where("default_application_session_code IS NOT NULL").
		Scan(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		slog.Error("can't get applications with default sessions", "error", err)
		return
	}

	for _, applicationModel := range applicationModels {
		if applicationModel.URL == referrer ||
			(strings.HasSuffix(referrer, "/") && applicationModel.URL+"/" == referrer) {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(sessionRespBody{
				SessCode: applicationModel.DefaultApplicationSessionCode,
			})
			return
		}
	}
	writeError(w, http.StatusBadRequest, "missing_session_code")
}
