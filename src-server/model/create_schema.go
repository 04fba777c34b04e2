package model

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
)

func CreateSchema(db *bun.DB) error {
	if err := db.RunInTx(context.Background(), &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []interface{}{
			(*Application)(nil),
			(*ApplicationConfig)(nil),
			(*ApplicationSession)(nil),
			(*ApplicationSessionGate)(nil),
			(*ApplicationSessionGateMember)(nil),
			(*User)(nil),
			(*UserApplicationSession)(nil),
			(*TrackingSession)(nil),
			(*TrackingEvent)(nil),
			(*UserFeedback)(nil),
		} {
			if _, err := tx.
				NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("CreateSchema: %w", err)
	}

	return nil
}
