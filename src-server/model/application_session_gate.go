package model

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// A gate bundles several application sessions, e.g. for testing different
// variants of an app. Visitors are forwarded round-robin.
type ApplicationSessionGate struct {
	bun.BaseModel `bun:"table:application_session_gates"`

	Code             string    `bun:"code,pk"`
	Label            string    `bun:"label,notnull,unique"`
	Description      string    `bun:"description"`
	IsActive         bool      `bun:"is_active,notnull"`
	NextForwardIndex int64     `bun:"next_forward_index,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}

// join table between gates and their member application sessions
type ApplicationSessionGateMember struct {
	bun.BaseModel `bun:"table:application_session_gate_members"`

	GateCode               string `bun:"gate_code,notnull,unique:gate_member"`
	ApplicationSessionCode string `bun:"application_session_code,notnull,unique:gate_member"`
	Position               int64  `bun:"position,notnull"`
}

func (g *ApplicationSessionGate) GenerateCode(key []byte) error {
	if g.Code != "" {
		return fmt.Errorf("gate code is already set")
	}
	code, err := GenerateHashCode(key, []byte("appsessiongate"), 5)
	if err != nil {
		return err
	}
	g.Code = code
	return nil
}

// NextTarget picks the member session the gate currently points at and
// advances the round-robin index.
func (g *ApplicationSessionGate) NextTarget(ctx context.Context, db bun.IDB) (string, error) {
	members := make([]ApplicationSessionGateMember, 0)
	if err := db.NewSelect().
		Model(&members).
		Where("gate_code = ?", g.Code).
		Order("position ASC").
		Scan(ctx); err != nil {
		return "", fmt.Errorf("can't get gate members: %w", err)
	}
	if len(members) == 0 {
		return "", fmt.Errorf("gate %s has no member sessions", g.Code)
	}

	target := members[g.NextForwardIndex%int64(len(members))]

	g.NextForwardIndex++
	if _, err := db.NewUpdate().
		Model(g).
		Column("next_forward_index").
		WherePK().
		Exec(ctx); err != nil {
		return "", fmt.Errorf("can't advance gate forward index: %w", err)
	}

	return target.ApplicationSessionCode, nil
}
