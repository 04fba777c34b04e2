package metric

import (
	"context"
	"time"

	"learntrack/src-server/model"
	"learntrack/src-server/utils"
)

func database(as *utils.AppState) (time.Duration, error) {
	start := time.Now()
	if _, err := as.BunDB.NewSelect().
		Model((*model.TrackingEvent)(nil)).
		Where("tracking_session_id = ?", 0).
		Exists(context.Background()); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
