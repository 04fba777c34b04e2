package model

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// One continuous device-interaction window within a user application
// session. At most one tracking session per user application session is
// open (end time unset) at any time.
type TrackingSession struct {
	bun.BaseModel `bun:"table:tracking_sessions"`

	ID               int64           `bun:"id,pk,autoincrement"`
	UserAppSessionID int64           `bun:"user_app_session_id,notnull"`
	StartTime        time.Time       `bun:"start_time,notnull"`
	EndTime          time.Time       `bun:"end_time,nullzero"`
	DeviceInfo       json.RawMessage `bun:"device_info,type:text"`

	UserAppSession *UserApplicationSession `bun:"rel:belongs-to,join:user_app_session_id=id"`
}
