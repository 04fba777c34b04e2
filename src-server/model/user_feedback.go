package model

import (
	"time"

	"github.com/uptrace/bun"
)

// User feedback for a content section of an application, given during a
// user application session. TrackingSessionID is zero when tracking was
// disabled or declined. One feedback per user session and content section.
type UserFeedback struct {
	bun.BaseModel `bun:"table:user_feedback"`

	ID                int64     `bun:"id,pk,autoincrement"`
	UserAppSessionID  int64     `bun:"user_app_session_id,notnull,unique:userappsess_section"`
	TrackingSessionID int64     `bun:"tracking_session_id,nullzero"`
	ContentSection    string    `bun:"content_section,notnull,unique:userappsess_section"`
	Score             int64     `bun:"score,nullzero"`
	Text              string    `bun:"text,nullzero"`
	CreatedAt         time.Time `bun:"created_at,notnull"`
}
