package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// One user's run of an application session. The code doubles as the
// bearer token for all further API calls.
//
// Depending on the auth mode of the application session:
//   - "login": UserID must be set (a registered user logged in)
//   - "none": UserID is zero, the user is identified by the code alone
type UserApplicationSession struct {
	bun.BaseModel `bun:"table:user_application_sessions"`

	ID                     int64  `bun:"id,pk,autoincrement"`
	ApplicationSessionCode string `bun:"application_session_code,notnull,unique:appsess_user"`
	UserID                 int64  `bun:"user_id,nullzero,unique:appsess_user"`
	Code                   string `bun:"code,notnull,unique"`

	// config JSON in effect when this session was created; replay serves
	// this snapshot, not the live config
	ConfigSnapshot json.RawMessage `bun:"config_snapshot,type:text"`

	CreatedAt time.Time `bun:"created_at,notnull"`

	ApplicationSession *ApplicationSession `bun:"rel:belongs-to,join:application_session_code=code"`
}

// GenerateCode fills in a unique 64-char user session code (the bearer
// token), derived from the application session code.
func (s *UserApplicationSession) GenerateCode(key []byte) error {
	if s.Code != "" {
		return fmt.Errorf("user session code is already set")
	}
	code, err := GenerateHashCode(key, []byte(s.ApplicationSessionCode), 32)
	if err != nil {
		return err
	}
	s.Code = code
	return nil
}
