package model

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// DefaultConfigJSON is the configuration a new ApplicationConfig starts with.
var DefaultConfigJSON = json.RawMessage(`{
	"exclude": [],
	"js": [],
	"css": [],
	"feedback": true,
	"summary": true,
	"reset_button": true,
	"tracking": {
		"ip": true,
		"user_agent": true,
		"device_info": true,
		"visibility": true,
		"mouse": true,
		"clicks": true,
		"scrolling": true,
		"inputs": true,
		"attribute_changes": false,
		"chapters": true,
		"summary": true,
		"exercise_hint": true,
		"exercise_submitted": true,
		"exercise_result": true,
		"question_submission": true,
		"video_progress": true
	}
}`)

// A named configuration for an application; one application has many configs.
type ApplicationConfig struct {
	bun.BaseModel `bun:"table:application_configs"`

	ID            int64           `bun:"id,pk,autoincrement"`
	ApplicationID int64           `bun:"application_id,notnull,unique:app_label"`
	Label         string          `bun:"label,notnull,unique:app_label"`
	Config        json.RawMessage `bun:"config,type:text"`
	UpdatedAt     time.Time       `bun:"updated_at,notnull"`

	Application *Application `bun:"rel:belongs-to,join:application_id=id"`
}
