package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type AuthModeType string

const (
	// anonymous access, users are identified by bearer token only
	AUTH_MODE_NONE = AuthModeType("none")
	// a registered user must log in before a token is issued
	AUTH_MODE_LOGIN = AuthModeType("login")
)

// A session for a configured application that can be shared among
// participants using a unique session code.
type ApplicationSession struct {
	bun.BaseModel `bun:"table:application_sessions"`

	Code        string       `bun:"code,pk"`
	ConfigID    int64        `bun:"config_id,notnull"`
	AuthMode    AuthModeType `bun:"auth_mode,notnull,type:varchar"`
	Description string       `bun:"description"`
	IsActive    bool         `bun:"is_active,notnull"`
	UpdatedAt   time.Time    `bun:"updated_at,notnull"`

	Config *ApplicationConfig `bun:"rel:belongs-to,join:config_id=id"`
}

// GenerateCode fills in a unique 10-char session code derived from the
// config JSON. Fails if a code is already set.
func (s *ApplicationSession) GenerateCode(key []byte, configJSON json.RawMessage) error {
	if s.Code != "" {
		return fmt.Errorf("session code is already set")
	}
	code, err := GenerateHashCode(key, configJSON, 5)
	if err != nil {
		return err
	}
	s.Code = code
	return nil
}
