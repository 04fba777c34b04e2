package model

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// A learning application located at a certain URL.
type Application struct {
	bun.BaseModel `bun:"table:applications"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Name string `bun:"name,notnull,unique"`
	URL  string `bun:"url,notnull,unique"`

	// when set, /session/ resolves this session code for requests
	// arriving from this application's URL without a session code
	DefaultApplicationSessionCode string `bun:"default_application_session_code,nullzero"`

	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// SessionURL returns the shareable URL for a session code of this application.
func (a *Application) SessionURL(sessCode string) string {
	baseURL := a.URL
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + "?sess=" + sessCode
}
