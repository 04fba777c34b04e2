package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/uptrace/bun"
)

// buildQuery returns the CSV header and the join query for one artifact
// kind. Join keys (app_sess_code, user_app_sess_code, track_sess_id) are
// denormalized into every file so the CSVs can be re-joined without the
// database.
func (m *Manager) buildQuery(kind string, filter Filter) ([]string, *bun.SelectQuery, error) {
	switch kind {
	case "app_sessions":
		q := m.db.NewSelect().
			TableExpr("applications AS a").
			Join("LEFT JOIN application_configs AS ac ON ac.application_id = a.id").
			Join("LEFT JOIN application_sessions AS asess ON asess.config_id = ac.id").
			ColumnExpr("a.id").
			ColumnExpr("a.name").
			ColumnExpr("a.url").
			ColumnExpr("ac.id").
			ColumnExpr("ac.label").
			ColumnExpr("asess.code").
			ColumnExpr("asess.auth_mode").
			OrderExpr("a.id, ac.id, asess.code")
		if filter.AppSessionCode != "" {
			q = q.Where("asess.code = ?", filter.AppSessionCode)
		}
		if filter.ApplicationID != 0 {
			q = q.Where("a.id = ?", filter.ApplicationID)
		}
		if filter.ConfigID != 0 {
			q = q.Where("ac.id = ?", filter.ConfigID)
		}
		return []string{
			"app_id", "app_name", "app_url", "app_config_id",
			"app_config_label", "app_sess_code", "app_sess_auth_mode",
		}, q, nil

	case "tracking_sessions":
		q := m.db.NewSelect().
			TableExpr("user_application_sessions AS ua").
			Join("LEFT JOIN tracking_sessions AS t ON t.user_app_session_id = ua.id").
			Join("LEFT JOIN application_sessions AS asess ON asess.code = ua.application_session_code").
			ColumnExpr("ua.application_session_code").
			ColumnExpr("ua.code").
			ColumnExpr("ua.user_id").
			ColumnExpr("t.id").
			ColumnExpr("t.start_time").
			ColumnExpr("t.end_time").
			ColumnExpr("t.device_info").
			OrderExpr("ua.application_session_code, ua.id, t.id")
		if filter.AppSessionCode != "" {
			q = q.Where("ua.application_session_code = ?", filter.AppSessionCode)
		}
		if filter.ApplicationID != 0 {
			q = q.Join("LEFT JOIN application_configs AS ac ON ac.id = asess.config_id").
				Where("ac.application_id = ?", filter.ApplicationID)
		}
		if filter.ConfigID != 0 {
			q = q.Where("asess.config_id = ?", filter.ConfigID)
		}
		if !filter.From.IsZero() {
			q = q.Where("t.start_time >= ?", filter.From)
		}
		if !filter.To.IsZero() {
			q = q.Where("t.start_time <= ?", filter.To)
		}
		return []string{
			"app_sess_code", "user_app_sess_code", "user_app_sess_user_id",
			"track_sess_id", "track_sess_start", "track_sess_end",
			"track_sess_device_info",
		}, q, nil

	case "tracking_events":
		// mouse chunks for a session concatenate in (event time, arrival)
		// order, so the order clause is part of the file's contract
		q := m.db.NewSelect().
			TableExpr("tracking_events AS e").
			Join("LEFT JOIN tracking_sessions AS t ON t.id = e.tracking_session_id").
			Join("LEFT JOIN user_application_sessions AS ua ON ua.id = t.user_app_session_id").
			Join("LEFT JOIN application_sessions AS asess ON asess.code = ua.application_session_code").
			ColumnExpr("ua.application_session_code").
			ColumnExpr("ua.code").
			ColumnExpr("e.tracking_session_id").
			ColumnExpr("e.event_time").
			ColumnExpr("e.event_type").
			ColumnExpr("e.event_value").
			OrderExpr("e.tracking_session_id, e.event_time, e.id")
		if filter.AppSessionCode != "" {
			q = q.Where("ua.application_session_code = ?", filter.AppSessionCode)
		}
		if filter.ApplicationID != 0 {
			q = q.Join("LEFT JOIN application_configs AS ac ON ac.id = asess.config_id").
				Where("ac.application_id = ?", filter.ApplicationID)
		}
		if filter.ConfigID != 0 {
			q = q.Where("asess.config_id = ?", filter.ConfigID)
		}
		if !filter.From.IsZero() {
			q = q.Where("e.event_time >= ?", filter.From)
		}
		if !filter.To.IsZero() {
			q = q.Where("e.event_time <= ?", filter.To)
		}
		return []string{
			"app_sess_code", "user_app_sess_code", "track_sess_id",
			"event_time", "event_type", "event_value",
		}, q, nil

	default:
		return nil, nil, fmt.Errorf("unknown export file kind %q", kind)
	}
}

func (m *Manager) writeCSV(f *exportFile, tmpPath string, filter Filter) error {
	header, query, err := m.buildQuery(f.kind, filter)
	if err != nil {
		return err
	}

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("can't create temp export file: %w", err)
	}
	defer out.Close()

	writer := csv.NewWriter(out)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("can't write CSV header: %w", err)
	}

	rows, err := query.Rows(context.Background())
	if err != nil {
		return fmt.Errorf("can't run export query: %w", err)
	}
	defer rows.Close()

	values := make([]sql.NullString, len(header))
	pointers := make([]interface{}, len(header))
	for i := range values {
		pointers[i] = &values[i]
	}
	record := make([]string, len(header))

	for rows.Next() {
		if f.cancelled.Load() {
			// deleted mid-generation, the caller discards the temp file
			return nil
		}
		if err := rows.Scan(pointers...); err != nil {
			return fmt.Errorf("can't scan export row: %w", err)
		}
		for i, value := range values {
			if value.Valid {
				record[i] = value.String
			} else {
				record[i] = ""
			}
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("can't write CSV row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("export query failed: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("can't flush CSV: %w", err)
	}
	return nil
}
