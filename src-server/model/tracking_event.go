package model

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// An immutable event tracked during interaction of a user within a
// tracking session. The autoincrement ID doubles as arrival order, which
// breaks ties when events carry equal event times.
type TrackingEvent struct {
	bun.BaseModel `bun:"table:tracking_events"`

	ID                int64           `bun:"id,pk,autoincrement"`
	TrackingSessionID int64           `bun:"tracking_session_id,notnull"`
	Time              time.Time       `bun:"event_time,notnull"`
	Type              string          `bun:"event_type,notnull"`
	Value             json.RawMessage `bun:"event_value,type:text"`
}
